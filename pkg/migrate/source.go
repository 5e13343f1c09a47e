package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/metrics"
	"github.com/nhilabs/nhi/pkg/shadow"
	"github.com/nhilabs/nhi/pkg/transfer"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// Migrate drives one migration from the source side: negotiate,
// final dump, transfer, role swap. It blocks until the migration
// completes or fails; failure always leaves the instance Running.
func (c *Coordinator) Migrate(ctx context.Context, id types.InstanceID, target types.NodeID) error {
	inst, err := c.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role != types.RoleRunning {
		return types.InvalidStatef(id, inst.Role, "migrate")
	}
	if target == c.cfg.Self {
		return fmt.Errorf("%w: instance %s already runs here", types.ErrInvalidState, id)
	}
	if !c.cfg.Cluster.Ready(target) {
		return fmt.Errorf("%w: %s", types.ErrPeerUnreachable, target)
	}

	// The permit serializes against shadow sync and concurrent migrate
	// attempts; the loser surfaces Busy.
	if !c.cfg.Permits.TryAcquire(id) {
		return fmt.Errorf("%w: migration or sync in flight for %s", types.ErrBusy, id)
	}
	defer c.cfg.Permits.Release(id)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	ob := &outboundMigration{target: target, cancel: cancel}
	c.mu.Lock()
	c.outbound[id] = ob
	c.waiters[id] = make(chan wire.Message, 4)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.outbound, id)
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	started := time.Now()
	err = c.runSource(ctx, inst, target, ob)
	if err != nil {
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		c.publish(events.EventMigrationFailed, id, target, err.Error())
		return err
	}

	metrics.MigrationsTotal.WithLabelValues("completed").Inc()
	metrics.MigrationDuration.Observe(time.Since(started).Seconds())
	c.publish(events.EventMigrationCompleted, id, target, "instance migrated")
	return nil
}

func (c *Coordinator) runSource(ctx context.Context, inst *types.Instance, target types.NodeID, ob *outboundMigration) error {
	id := inst.ID
	logger := c.logger.With().
		Str("instance_id", string(id)).
		Str("target", string(target)).
		Logger()

	// Step 1: handshake.
	req := &wire.MigrationRequest{InstanceID: id, SourceSeq: inst.Seq()}
	if inst.LatestCheckpoint != nil {
		req.ExpectedHash = inst.LatestCheckpoint.SHA256
	}
	if err := c.cfg.Cluster.SendTo(target, req); err != nil {
		return err
	}

	resp, err := c.await(ctx, id, readyTimeout)
	if err != nil {
		return fmt.Errorf("migration handshake: %w", err)
	}
	switch resp := resp.(type) {
	case *wire.MigrationReady:
		logger.Info().Uint64("accept_seq", resp.AcceptSeq).Msg("target ready")
	case *wire.MigrationReject:
		return rejectError(resp)
	default:
		return fmt.Errorf("%w: unexpected %T during handshake", types.ErrProtocol, resp)
	}

	// Step 2: source enters the transient role and freezes the process
	// with a final dump.
	if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
		i.Role = types.RoleMigratingSource
		return nil
	}); err != nil {
		return err
	}
	c.publish(events.EventMigrationStarted, id, target, "migration started")

	// On any abort past this point the process may be left stopped by
	// the dump; SIGCONT on an already-running task is harmless.
	ref, manifest, err := c.finalDump(ctx, inst)
	if err != nil {
		c.revertSource(id, inst.PID, true)
		return err
	}

	// Steps 3 and 4: image transfer, then commit.
	dir := c.cfg.Store.ImageDir(id, ref.Name)
	send := func(msg wire.Message) error { return c.cfg.Cluster.SendTo(target, msg) }
	if err := transfer.SendSet(ctx, send, id, ref.Name, dir, manifest); err != nil {
		metrics.TransfersFailed.Inc()
		c.revertSource(id, inst.PID, true)
		return err
	}

	c.mu.Lock()
	ob.committed = true
	c.mu.Unlock()

	if err := c.cfg.Cluster.SendTo(target, &wire.ImagesComplete{InstanceID: id, ManifestHash: manifest.SHA256}); err != nil {
		c.revertSource(id, inst.PID, true)
		return err
	}

	// Step 5: restore verdict.
	verdict, err := c.await(ctx, id, c.cfg.Timeout)
	if err != nil {
		c.revertSource(id, inst.PID, true)
		return fmt.Errorf("waiting for restore verdict: %w", err)
	}

	switch verdict := verdict.(type) {
	case *wire.MigrationOk:
		logger.Info().Uint32("new_pid", verdict.NewPID).Msg("target restored, swapping roles")
	case *wire.MigrationFail:
		c.revertSource(id, inst.PID, true)
		return types.RestoreFailedf(verdict.Reason)
	default:
		c.revertSource(id, inst.PID, true)
		return fmt.Errorf("%w: unexpected %T as restore verdict", types.ErrProtocol, verdict)
	}

	// Step 6: swap. The ack must go out before the local flip so the
	// target commits first; a shadow never resumes a local process, so
	// the stale pid dies with the role.
	if err := c.cfg.Cluster.SendTo(target, &wire.SwapAck{InstanceID: id}); err != nil {
		logger.Warn().Err(err).Msg("swap ack undeliverable, target will self-commit")
	}

	c.cfg.Proc.Kill(inst.PID)
	if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
		i.Role = types.RoleShadow
		i.PID = 0
		i.OwnerNode = target
		i.ShadowNodes = nil
		return nil
	}); err != nil {
		return err
	}

	c.cfg.Cluster.Broadcast(&wire.OwnershipChanged{InstanceID: id, NewOwner: target, Seq: ref.Seq})
	return nil
}

// finalDump freezes the process state for transfer. Unlike sync
// dumps, the process is left stopped so no state can diverge between
// the dump and the role swap.
func (c *Coordinator) finalDump(ctx context.Context, inst *types.Instance) (*types.CheckpointRef, *types.Manifest, error) {
	seq := inst.Seq() + 1
	name := fmt.Sprintf("migr-%d", seq)
	dir := c.cfg.Store.ImageDir(inst.ID, name)

	opts := criu.DumpOpts{LeaveRunning: false, ShellJob: true}
	if err := c.cfg.Driver.Dump(ctx, inst.PID, dir, opts); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	if err := shadow.SnapshotOutputLog(inst.OutputLogPath, filepath.Join(dir, shadow.OutputHistoryFile)); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	manifest, err := criu.BuildManifest(dir, seq)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	if err := criu.WriteManifest(dir, manifest); err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}

	ref := &types.CheckpointRef{
		Name:     name,
		Seq:      seq,
		SHA256:   manifest.SHA256,
		ByteSize: manifest.TotalBytes(),
	}
	if _, err := c.cfg.Store.Update(inst.ID, func(i *types.Instance) error {
		i.LatestCheckpoint = ref
		return nil
	}); err != nil {
		return nil, nil, err
	}

	metrics.CheckpointsTotal.WithLabelValues("migration").Inc()
	return ref, manifest, nil
}

// revertSource restores the pre-migration state: the process resumes
// (the final dump left it stopped) and the role returns to Running.
func (c *Coordinator) revertSource(id types.InstanceID, pid int, resume bool) {
	if resume && pid > 0 {
		if err := c.cfg.Proc.Resume(pid); err != nil {
			c.logger.Error().Err(err).Int("pid", pid).Msg("failed to resume process after aborted migration")
		}
	}

	if _, err := c.cfg.Store.Update(id, func(i *types.Instance) error {
		i.Role = types.RoleRunning
		return nil
	}); err != nil {
		c.logger.Error().Err(err).Str("instance_id", string(id)).Msg("failed to revert role after aborted migration")
	}
}

// Cancel aborts an in-flight outbound migration. Cancellation is only
// permitted before ImagesComplete has been sent; after that the
// migration runs to its verdict.
func (c *Coordinator) Cancel(id types.InstanceID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ob, ok := c.outbound[id]
	if !ok {
		return fmt.Errorf("%w: no migration in flight for %s", types.ErrNotFound, id)
	}
	if ob.committed {
		return fmt.Errorf("%w: migration of %s already committed", types.ErrInvalidState, id)
	}
	ob.cancel()
	return nil
}

func rejectError(msg *wire.MigrationReject) error {
	switch msg.Code {
	case wire.RejectBusy:
		return fmt.Errorf("%w: target: %s", types.ErrBusy, msg.Detail)
	case wire.RejectUnknown:
		return fmt.Errorf("%w: target: %s", types.ErrNotFound, msg.Detail)
	case wire.RejectStaleShadow:
		return fmt.Errorf("%w: target shadow too stale: %s", types.ErrInvalidState, msg.Detail)
	default:
		return fmt.Errorf("%w: rejection code %d", types.ErrProtocol, msg.Code)
	}
}
