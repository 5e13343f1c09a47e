package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nhilabs/nhi/pkg/config"
	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/metrics"
	"github.com/nhilabs/nhi/pkg/migrate"
	"github.com/nhilabs/nhi/pkg/proc"
	"github.com/nhilabs/nhi/pkg/shadow"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// StartDetached creates a new instance and launches its workload
// fully detached. This node becomes the owner.
func (n *Node) StartDetached(program string, args []string) (types.InstanceID, error) {
	abs, err := filepath.Abs(program)
	if err != nil {
		return "", fmt.Errorf("failed to resolve program path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("program %s: %w", abs, err)
	}

	id, err := config.NewInstanceID(n.store.Exists)
	if err != nil {
		return "", err
	}

	inst := &types.Instance{
		ID:        id,
		Program:   abs,
		Args:      args,
		Role:      types.RoleRunning,
		OwnerNode: n.id,
		AutoSync:  true,
	}
	if err := n.store.Create(inst); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pid, err := n.proc.Spawn(ctx, abs, args, n.store.OutputLogPath(id), n.store.PidfilePath(id))
	if err != nil {
		n.transition(id, types.RoleStopped, 0)
		return id, err
	}

	if _, err := n.store.Update(id, func(i *types.Instance) error {
		i.PID = pid
		return nil
	}); err != nil {
		return id, err
	}

	if n.cfg.NetworkingEnabled {
		n.cluster.Broadcast(&wire.InstanceCreated{
			InstanceID: id,
			Owner:      n.id,
			Program:    abs,
			Args:       args,
		})
	}
	return id, nil
}

// StopInstance terminates the workload and parks the instance.
func (n *Node) StopInstance(ref string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}
	if inst.Role != types.RoleRunning {
		return types.InvalidStatef(inst.ID, inst.Role, "stop")
	}

	if inst.PID > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), proc.DefaultStopGrace+5*time.Second)
		defer cancel()
		if err := n.proc.Stop(ctx, inst.PID, proc.DefaultStopGrace); err != nil {
			return err
		}
	}

	_, err = n.store.Update(inst.ID, func(i *types.Instance) error {
		i.Role = types.RoleStopped
		i.PID = 0
		i.Paused = false
		return nil
	})
	if err != nil {
		return err
	}
	n.broker.Publish(&events.Event{
		Type:       events.EventInstanceStopped,
		InstanceID: inst.ID,
		NodeID:     n.id,
		Message:    "instance stopped",
	})
	return nil
}

// PauseInstance SIGSTOPs the workload.
func (n *Node) PauseInstance(ref string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}
	if inst.Role != types.RoleRunning || inst.Paused {
		return types.InvalidStatef(inst.ID, inst.Role, "pause")
	}

	if err := n.proc.Pause(inst.PID); err != nil {
		return err
	}
	_, err = n.store.Update(inst.ID, func(i *types.Instance) error {
		i.Paused = true
		return nil
	})
	return err
}

// ResumeInstance SIGCONTs a paused workload.
func (n *Node) ResumeInstance(ref string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}
	if inst.Role != types.RoleRunning || !inst.Paused {
		return types.InvalidStatef(inst.ID, inst.Role, "resume")
	}

	if err := n.proc.Resume(inst.PID); err != nil {
		return err
	}
	_, err = n.store.Update(inst.ID, func(i *types.Instance) error {
		i.Paused = false
		return nil
	})
	return err
}

// Checkpoint takes a named manual checkpoint of a running instance,
// leaving the process running.
func (n *Node) Checkpoint(ref, name string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}
	if inst.Role != types.RoleRunning || inst.PID == 0 {
		return types.InvalidStatef(inst.ID, inst.Role, "checkpoint")
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}

	if !n.permits.TryAcquire(inst.ID) {
		return fmt.Errorf("%w: sync or migration in flight for %s", types.ErrBusy, inst.ID)
	}
	defer n.permits.Release(inst.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, err = n.checkpointLocked(ctx, inst, name, true)
	return err
}

// checkpointLocked dumps under an already-held permit.
func (n *Node) checkpointLocked(ctx context.Context, inst *types.Instance, name string, leaveRunning bool) (*types.CheckpointRef, error) {
	seq := inst.Seq() + 1
	dir := n.store.ImageDir(inst.ID, name)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("checkpoint %s already exists for %s", name, inst.ID)
	}

	opts := criu.DumpOpts{LeaveRunning: leaveRunning, ShellJob: true}
	if err := n.driver.Dump(ctx, inst.PID, dir, opts); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := shadow.SnapshotOutputLog(inst.OutputLogPath, filepath.Join(dir, shadow.OutputHistoryFile)); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	manifest, err := criu.BuildManifest(dir, seq)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	if err := criu.WriteManifest(dir, manifest); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	ref := &types.CheckpointRef{
		Name:     name,
		Seq:      seq,
		SHA256:   manifest.SHA256,
		ByteSize: manifest.TotalBytes(),
	}
	if _, err := n.store.Update(inst.ID, func(i *types.Instance) error {
		i.LatestCheckpoint = ref
		return nil
	}); err != nil {
		return nil, err
	}

	metrics.CheckpointsTotal.WithLabelValues("manual").Inc()
	n.broker.Publish(&events.Event{
		Type:       events.EventCheckpointCreated,
		InstanceID: inst.ID,
		NodeID:     n.id,
		Message:    name,
	})
	return ref, nil
}

// RestoreCheckpoint resurrects a stopped (or shadow) instance from a
// named checkpoint on this node. This node becomes the owner.
func (n *Node) RestoreCheckpoint(ref, name string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}
	switch inst.Role {
	case types.RoleStopped, types.RoleShadow:
	default:
		return types.InvalidStatef(inst.ID, inst.Role, "restore")
	}

	if name == "" && inst.LatestCheckpoint != nil {
		name = inst.LatestCheckpoint.Name
	}
	dir := n.store.ImageDir(inst.ID, name)
	if _, err := os.Stat(filepath.Join(dir, criu.ManifestFileName)); err != nil {
		return fmt.Errorf("%w: checkpoint %s of %s", types.ErrNotFound, name, inst.ID)
	}

	if !n.permits.TryAcquire(inst.ID) {
		return fmt.Errorf("%w: sync or migration in flight for %s", types.ErrBusy, inst.ID)
	}
	defer n.permits.Release(inst.ID)

	// A stale process from a previous life would collide with the
	// restored pid.
	if inst.PID > 0 && proc.Alive(inst.PID) {
		n.proc.Kill(inst.PID)
	}

	outputLog := n.store.OutputLogPath(inst.ID)
	if err := restoreHistory(dir, outputLog); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pid, err := n.driver.Restore(ctx, dir, criu.RestoreOpts{
		ShellJob:   true,
		InheritFDs: map[int]string{1: outputLog, 2: outputLog},
	})
	if err != nil {
		return err
	}

	if err := proc.WritePidfile(n.store.PidfilePath(inst.ID), pid); err != nil {
		n.logger.Warn().Err(err).Str("instance_id", string(inst.ID)).Msg("failed to refresh pidfile")
	}

	_, err = n.store.Update(inst.ID, func(i *types.Instance) error {
		i.Role = types.RoleRunning
		i.PID = pid
		i.Paused = false
		i.OwnerNode = n.id
		return nil
	})
	if err != nil {
		return err
	}

	if n.cfg.NetworkingEnabled {
		n.cluster.Broadcast(&wire.OwnershipChanged{
			InstanceID: inst.ID,
			NewOwner:   n.id,
			Seq:        inst.Seq(),
		})
	}
	return nil
}

// MigrateInstance hands the Running role to another node.
func (n *Node) MigrateInstance(ref, target string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}

	targetID, err := n.resolveNode(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrate.DefaultTimeout)
	defer cancel()
	return n.coord.Migrate(ctx, inst.ID, targetID)
}

// CancelMigration aborts an outbound migration that has not yet
// committed its image set.
func (n *Node) CancelMigration(ref string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}
	return n.coord.Cancel(inst.ID)
}

// PurgeInstance removes a stopped instance's directory and record.
func (n *Node) PurgeInstance(ref string) error {
	inst, err := n.resolve(ref)
	if err != nil {
		return err
	}
	if err := n.store.Purge(inst.ID); err != nil {
		return err
	}
	return n.registry.DeleteInstance(inst.ID)
}

// Instances lists local records plus remote ones from the registry.
func (n *Node) Instances() ([]*types.Instance, []*types.RemoteInstance) {
	local := n.store.List()

	seen := make(map[types.InstanceID]bool, len(local))
	for _, inst := range local {
		seen[inst.ID] = true
	}

	remote, err := n.registry.ListInstances()
	if err != nil {
		n.logger.Warn().Err(err).Msg("failed to list remote instances")
		return local, nil
	}
	filtered := remote[:0]
	for _, ri := range remote {
		if !seen[ri.ID] {
			filtered = append(filtered, ri)
		}
	}
	return local, filtered
}

// Nodes returns the membership table with this node first.
func (n *Node) Nodes() []types.Node {
	self := types.Node{
		ID:      n.id,
		Name:    n.cfg.NodeName,
		Addr:    n.cfg.ListenAddr,
		Version: n.version,
		Status:  types.NodeStatusReady,
	}
	return append([]types.Node{self}, n.cluster.Peers()...)
}

// InstanceLog returns the instance's output log contents.
func (n *Node) InstanceLog(ref string) (string, error) {
	inst, err := n.resolve(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(inst.OutputLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// resolve finds a local instance by exact id or unambiguous prefix.
func (n *Node) resolve(ref string) (*types.Instance, error) {
	if inst, err := n.store.Get(types.InstanceID(ref)); err == nil {
		return inst, nil
	}

	var match *types.Instance
	for _, inst := range n.store.List() {
		if strings.HasPrefix(string(inst.ID), ref) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous instance id %q", ref)
			}
			match = inst
		}
	}
	if match == nil {
		return nil, types.NotFoundf(types.InstanceID(ref))
	}
	return match, nil
}

// resolveNode matches a peer by node id, id prefix, or name.
func (n *Node) resolveNode(ref string) (types.NodeID, error) {
	var match types.NodeID
	for _, peer := range n.cluster.Peers() {
		if string(peer.ID) == ref {
			return peer.ID, nil
		}
		if strings.HasPrefix(string(peer.ID), ref) || peer.Name == ref {
			if match != "" && match != peer.ID {
				return "", fmt.Errorf("ambiguous node reference %q", ref)
			}
			match = peer.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: no peer matches %q", types.ErrPeerUnreachable, ref)
	}
	return match, nil
}

// restoreHistory rebuilds the output log from the checkpoint's
// carried history so the restored process extends its own past
// output.
func restoreHistory(imageDir, outputLog string) error {
	src := filepath.Join(imageDir, shadow.OutputHistoryFile)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputLog), 0o755); err != nil {
		return err
	}
	return os.WriteFile(outputLog, data, 0o644)
}
