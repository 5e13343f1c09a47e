package migrate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/metrics"
	"github.com/nhilabs/nhi/pkg/proc"
	"github.com/nhilabs/nhi/pkg/shadow"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// handleRequest is the target side of step 1: admission control for
// an inbound migration.
func (c *Coordinator) handleRequest(from types.NodeID, msg *wire.MigrationRequest) {
	id := msg.InstanceID
	logger := c.logger.With().
		Str("instance_id", string(id)).
		Str("source", string(from)).
		Logger()

	reject := func(code uint8, detail string) {
		metrics.MigrationsTotal.WithLabelValues("rejected").Inc()
		if err := c.cfg.Cluster.SendTo(from, &wire.MigrationReject{InstanceID: id, Code: code, Detail: detail}); err != nil {
			logger.Warn().Err(err).Msg("failed to send rejection")
		}
	}

	c.mu.Lock()
	_, busy := c.inbound[id]
	c.mu.Unlock()
	if busy {
		reject(wire.RejectBusy, "migration already in flight")
		return
	}

	inst, err := c.cfg.Store.Get(id)
	created := false
	switch {
	case err != nil && !errors.Is(err, types.ErrNotFound):
		reject(wire.RejectUnknown, err.Error())
		return
	case err == nil:
		switch inst.Role {
		case types.RoleShadow, types.RoleStopped:
		default:
			reject(wire.RejectBusy, fmt.Sprintf("instance is %s here", inst.Role))
			return
		}
		// A cold target (no checkpoint yet) accepts and takes the full
		// set; a shadow that fell behind by more than one sync is
		// rejected so the operator can wait for it to catch up.
		if inst.LatestCheckpoint != nil && msg.SourceSeq > 0 && inst.Seq() < msg.SourceSeq-1 {
			reject(wire.RejectStaleShadow, fmt.Sprintf("have seq %d, source at %d", inst.Seq(), msg.SourceSeq))
			return
		}
	default:
		// Cold migration: the record is created on acceptance with the
		// image set carrying all process state.
		created = true
		inst = &types.Instance{
			ID:        id,
			Role:      types.RoleStopped,
			OwnerNode: from,
			AutoSync:  true,
		}
		if err := c.cfg.Store.Create(inst); err != nil {
			reject(wire.RejectUnknown, fmt.Sprintf("cannot materialize instance: %v", err))
			return
		}
	}

	mig := &inboundMigration{
		source:    from,
		created:   created,
		prevRole:  inst.Role,
		prevRef:   inst.LatestCheckpoint,
		startedAt: time.Now(),
	}

	if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
		i.Role = types.RoleMigratingTarget
		return nil
	}); err != nil {
		reject(wire.RejectUnknown, err.Error())
		return
	}

	c.mu.Lock()
	c.inbound[id] = mig
	c.mu.Unlock()

	logger.Info().Uint64("source_seq", msg.SourceSeq).Bool("cold", created).Msg("accepting migration")
	if err := c.cfg.Cluster.SendTo(from, &wire.MigrationReady{InstanceID: id, AcceptSeq: inst.Seq()}); err != nil {
		logger.Warn().Err(err).Msg("failed to send ready")
		c.abortInbound(id, mig)
	}
}

// handleImagesComplete is the target side of steps 4 and 5: verify
// the received set, restore, and report the verdict.
func (c *Coordinator) handleImagesComplete(from types.NodeID, msg *wire.ImagesComplete) {
	id := msg.InstanceID

	c.mu.Lock()
	mig, ok := c.inbound[id]
	c.mu.Unlock()
	if !ok || mig.source != from {
		c.logger.Warn().Str("instance_id", string(id)).Msg("ImagesComplete without matching migration")
		return
	}

	// The restore involves the external tool; it must not block the
	// session's read loop.
	go c.restoreAndSwap(id, mig, msg.ManifestHash)
}

func (c *Coordinator) restoreAndSwap(id types.InstanceID, mig *inboundMigration, wantHash string) {
	logger := c.logger.With().Str("instance_id", string(id)).Logger()

	fail := func(reason string) {
		logger.Error().Str("reason", reason).Msg("migration failed on target")
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		if err := c.cfg.Cluster.SendTo(mig.source, &wire.MigrationFail{InstanceID: id, Reason: reason}); err != nil {
			logger.Warn().Err(err).Msg("failed to report migration failure")
		}
		c.abortInbound(id, mig)
	}

	inst, err := c.cfg.Store.Get(id)
	if err != nil {
		fail(err.Error())
		return
	}
	if inst.LatestCheckpoint == nil || inst.LatestCheckpoint.SHA256 != wantHash {
		fail("image set never arrived or hash mismatch")
		return
	}

	if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
		i.Role = types.RoleRestoring
		return nil
	}); err != nil {
		fail(err.Error())
		return
	}

	imageDir := c.cfg.Store.ImageDir(id, inst.LatestCheckpoint.Name)
	outputLog := c.cfg.Store.OutputLogPath(id)

	// Reconstruct the output log prefix carried inside the image set,
	// then restore with the task's stdio reattached to it.
	if err := restoreOutputLog(imageDir, outputLog); err != nil {
		fail(err.Error())
		return
	}

	// A live process left over from an earlier ownership phase would
	// collide with the restored pid.
	if inst.PID > 0 && proc.Alive(inst.PID) {
		logger.Warn().Int("pid", inst.PID).Msg("stopping stale local process before restore")
		_ = c.cfg.Proc.Stop(context.Background(), inst.PID, proc.DefaultStopGrace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	pid, err := c.cfg.Driver.Restore(ctx, imageDir, criu.RestoreOpts{
		ShellJob:   true,
		InheritFDs: map[int]string{1: outputLog, 2: outputLog},
	})
	if err != nil {
		fail(err.Error())
		return
	}

	if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
		i.Role = types.RoleRunning
		i.PID = pid
		i.OwnerNode = c.cfg.Self
		i.ShadowNodes = []types.NodeID{mig.source}
		return nil
	}); err != nil {
		fail(err.Error())
		return
	}

	// The waiter must exist before MigrationOk goes out, or a fast
	// SwapAck could race the registration.
	ch := make(chan wire.Message, 1)
	c.mu.Lock()
	c.waiters[id] = ch
	c.mu.Unlock()

	logger.Info().Int("pid", pid).Msg("restore succeeded, awaiting swap ack")
	if err := c.cfg.Cluster.SendTo(mig.source, &wire.MigrationOk{InstanceID: id, NewPID: uint32(pid)}); err != nil {
		// The source is gone; keep running and let reconciliation
		// broadcasts settle ownership.
		logger.Warn().Err(err).Msg("source unreachable for MigrationOk")
	}

	go c.awaitSwapAck(id, mig, ch)
}

// awaitSwapAck waits for the source's SwapAck; a timeout is treated
// as success with an extra ownership re-announcement to force
// reconciliation.
func (c *Coordinator) awaitSwapAck(id types.InstanceID, mig *inboundMigration, ch chan wire.Message) {
	timer := time.NewTimer(swapAckTimeout)
	defer timer.Stop()

	acked := false
	select {
	case <-ch:
		acked = true
	case <-timer.C:
	}

	c.mu.Lock()
	delete(c.waiters, id)
	delete(c.inbound, id)
	c.mu.Unlock()

	inst, err := c.cfg.Store.Get(id)
	if err != nil {
		return
	}

	if !acked {
		c.logger.Warn().Str("instance_id", string(id)).Msg("no swap ack, assuming success and re-announcing ownership")
	}
	c.cfg.Cluster.Broadcast(&wire.OwnershipChanged{InstanceID: id, NewOwner: c.cfg.Self, Seq: inst.Seq()})

	metrics.MigrationsTotal.WithLabelValues("completed").Inc()
	c.publish(events.EventMigrationCompleted, id, mig.source, "instance adopted")
}

// handleSwapAck resolves the target-side wait.
func (c *Coordinator) handleSwapAck(from types.NodeID, msg *wire.SwapAck) {
	c.mu.Lock()
	ch, ok := c.waiters[msg.InstanceID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Str("instance_id", string(msg.InstanceID)).Msg("swap ack without waiter")
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

// abortInbound reverts the target to its pre-migration state and
// purges the partial images.
func (c *Coordinator) abortInbound(id types.InstanceID, mig *inboundMigration) {
	c.mu.Lock()
	delete(c.inbound, id)
	c.mu.Unlock()

	if mig.created {
		// Cold migration that never completed: nothing here is worth
		// keeping.
		if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
			i.Role = types.RoleStopped
			return nil
		}); err == nil {
			if err := c.cfg.Store.Purge(id); err != nil {
				c.logger.Warn().Err(err).Str("instance_id", string(id)).Msg("failed to purge aborted cold migration")
			}
		}
		return
	}

	inst, err := c.cfg.Store.Get(id)
	if err != nil {
		return
	}

	// Drop the set received for this migration, if any arrived.
	if inst.LatestCheckpoint != nil &&
		(mig.prevRef == nil || inst.LatestCheckpoint.Seq > mig.prevRef.Seq) {
		os.RemoveAll(c.cfg.Store.ImageDir(id, inst.LatestCheckpoint.Name))
	}

	if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
		i.Role = mig.prevRole
		i.LatestCheckpoint = mig.prevRef
		return nil
	}); err != nil {
		c.logger.Error().Err(err).Str("instance_id", string(id)).Msg("failed to revert aborted migration")
	}
}

// ExpireStalled aborts inbound migrations whose source went quiet
// before completing the transfer.
func (c *Coordinator) ExpireStalled() {
	c.mu.Lock()
	var stalled []types.InstanceID
	var migs []*inboundMigration
	for id, mig := range c.inbound {
		if time.Since(mig.startedAt) > c.cfg.Timeout {
			stalled = append(stalled, id)
			migs = append(migs, mig)
		}
	}
	c.mu.Unlock()

	for i, id := range stalled {
		c.logger.Warn().Str("instance_id", string(id)).Msg("discarding stalled inbound migration")
		c.abortInbound(id, migs[i])
	}
}

// restoreOutputLog replaces the local output log with the history
// carried in the image set, so the restored process appends to a log
// whose prefix is exactly the pre-migration output.
func restoreOutputLog(imageDir, outputLog string) error {
	src := filepath.Join(imageDir, shadow.OutputHistoryFile)
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open output history: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(outputLog), 0o755); err != nil {
		return err
	}
	out, err := os.Create(outputLog)
	if err != nil {
		return fmt.Errorf("failed to rebuild output log: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to rebuild output log: %w", err)
	}
	return out.Sync()
}
