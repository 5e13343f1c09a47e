package shadow

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/metrics"
	"github.com/nhilabs/nhi/pkg/store"
	"github.com/nhilabs/nhi/pkg/transfer"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// OutputHistoryFile is the copy of the instance output log carried
// inside each image set, so migration preserves the log prefix.
const OutputHistoryFile = "output_history"

// Dumper is the slice of the checkpoint driver the engine needs.
type Dumper interface {
	Dump(ctx context.Context, pid int, imagesDir string, opts criu.DumpOpts) error
}

// Cluster is the slice of the node manager the engine needs.
type Cluster interface {
	Peers() []types.Node
	SendTo(id types.NodeID, msg wire.Message) error
}

// Config holds engine configuration.
type Config struct {
	Self     types.NodeID
	Store    *store.Store
	Dumper   Dumper
	Cluster  Cluster
	Permits  *Permits
	Broker   *events.Broker
	Interval time.Duration
}

// Engine runs one sync task per locally Running instance with
// auto-sync enabled. Each tick takes the instance permit, dumps with
// the process left running, and replicates the image set to every
// reachable peer; peers that miss a set catch up on the next tick.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	loops map[types.InstanceID]context.CancelFunc

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine creates the engine; Start launches its supervision loop.
func NewEngine(cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		logger: log.WithComponent("shadow"),
		loops:  make(map[types.InstanceID]context.CancelFunc),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins supervising per-instance sync loops.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.superviseLoop()
}

// Stop cancels every sync loop and waits for them.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.cancel)
	e.wg.Wait()
}

// superviseLoop reconciles the set of running sync tasks against the
// set of instances that currently qualify.
func (e *Engine) superviseLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.reconcile()
		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) reconcile() {
	want := make(map[types.InstanceID]bool)
	for _, inst := range e.cfg.Store.List() {
		if inst.Role == types.RoleRunning && inst.AutoSync && !inst.Paused {
			want[inst.ID] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, cancel := range e.loops {
		if !want[id] {
			cancel()
			delete(e.loops, id)
		}
	}
	for id := range want {
		if _, running := e.loops[id]; running {
			continue
		}
		ctx, cancel := context.WithCancel(e.ctx)
		e.loops[id] = cancel
		e.wg.Add(1)
		go e.instanceLoop(ctx, id)
	}
}

func (e *Engine) instanceLoop(ctx context.Context, id types.InstanceID) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.SyncOnce(ctx, id); err != nil {
				e.logger.Warn().Err(err).Str("instance_id", string(id)).Msg("shadow sync tick failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// SyncOnce performs one sync tick: dump, dedup by manifest hash, then
// concurrent replication to all reachable peers. A tick that cannot
// take the instance permit is skipped; the next tick retries.
func (e *Engine) SyncOnce(ctx context.Context, id types.InstanceID) error {
	if !e.cfg.Permits.TryAcquire(id) {
		e.logger.Debug().Str("instance_id", string(id)).Msg("permit busy, skipping sync tick")
		return nil
	}
	defer e.cfg.Permits.Release(id)

	inst, err := e.cfg.Store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role != types.RoleRunning || !inst.AutoSync || inst.PID == 0 {
		return nil
	}

	ref, manifest, fresh, err := e.dump(ctx, inst)
	if err != nil {
		return err
	}
	if !fresh {
		e.logger.Debug().Str("instance_id", string(id)).Msg("checkpoint unchanged, skipping transfer")
		return nil
	}

	e.replicate(ctx, inst.ID, ref, manifest)
	return nil
}

// dump produces the next image set. When its manifest hash equals the
// previous checkpoint's, the set is identical: it is discarded and
// fresh is false.
func (e *Engine) dump(ctx context.Context, inst *types.Instance) (*types.CheckpointRef, *types.Manifest, bool, error) {
	seq := inst.Seq() + 1
	name := fmt.Sprintf("sync-%d", seq)
	dir := e.cfg.Store.ImageDir(inst.ID, name)

	opts := criu.DumpOpts{LeaveRunning: true, ShellJob: true}
	if err := e.cfg.Dumper.Dump(ctx, inst.PID, dir, opts); err != nil {
		os.RemoveAll(dir)
		return nil, nil, false, err
	}

	if err := SnapshotOutputLog(inst.OutputLogPath, filepath.Join(dir, OutputHistoryFile)); err != nil {
		os.RemoveAll(dir)
		return nil, nil, false, err
	}

	manifest, err := criu.BuildManifest(dir, seq)
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, false, err
	}

	if inst.LatestCheckpoint != nil && manifest.SHA256 == inst.LatestCheckpoint.SHA256 {
		os.RemoveAll(dir)
		return nil, nil, false, nil
	}

	if err := criu.WriteManifest(dir, manifest); err != nil {
		os.RemoveAll(dir)
		return nil, nil, false, err
	}

	ref := &types.CheckpointRef{
		Name:     name,
		Seq:      seq,
		SHA256:   manifest.SHA256,
		ByteSize: manifest.TotalBytes(),
	}
	if _, err := e.cfg.Store.Update(inst.ID, func(i *types.Instance) error {
		i.LatestCheckpoint = ref
		return nil
	}); err != nil {
		return nil, nil, false, err
	}

	metrics.CheckpointsTotal.WithLabelValues("sync").Inc()
	e.publish(events.EventCheckpointCreated, inst.ID, name)
	return ref, manifest, true, nil
}

// replicate pushes the set to every ready peer concurrently. Failures
// are logged and retried naturally on the next tick.
func (e *Engine) replicate(ctx context.Context, id types.InstanceID, ref *types.CheckpointRef, manifest *types.Manifest) {
	dir := e.cfg.Store.ImageDir(id, ref.Name)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var synced []types.NodeID

	for _, peer := range e.cfg.Cluster.Peers() {
		if peer.Status != types.NodeStatusReady || peer.ID == e.cfg.Self {
			continue
		}
		wg.Add(1)
		go func(peer types.Node) {
			defer wg.Done()

			send := func(msg wire.Message) error {
				return e.cfg.Cluster.SendTo(peer.ID, msg)
			}
			if err := transfer.SendSet(ctx, send, id, ref.Name, dir, manifest); err != nil {
				e.logger.Warn().Err(err).
					Str("instance_id", string(id)).
					Str("peer_id", string(peer.ID)).
					Msg("shadow replication failed")
				return
			}

			metrics.SyncBytesTotal.Add(float64(ref.ByteSize))
			mu.Lock()
			synced = append(synced, peer.ID)
			mu.Unlock()
		}(peer)
	}
	wg.Wait()

	if len(synced) == 0 {
		return
	}

	// Refresh the shadow-holder hint.
	_, err := e.cfg.Store.Update(id, func(i *types.Instance) error {
		for _, nodeID := range synced {
			if !i.HasShadow(nodeID) {
				i.ShadowNodes = append(i.ShadowNodes, nodeID)
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("instance_id", string(id)).Msg("failed to record shadow holders")
	}
	e.publish(events.EventShadowSyncCompleted, id, fmt.Sprintf("replicated seq %d to %d peers", ref.Seq, len(synced)))
}

func (e *Engine) publish(t events.EventType, id types.InstanceID, msg string) {
	if e.cfg.Broker == nil {
		return
	}
	e.cfg.Broker.Publish(&events.Event{Type: t, InstanceID: id, NodeID: e.cfg.Self, Message: msg})
}

// SnapshotOutputLog copies the current output log into the image set.
// A missing log (process never wrote) snapshots as empty.
func SnapshotOutputLog(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return os.WriteFile(dst, nil, 0o644)
		}
		return fmt.Errorf("failed to open output log: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create output history: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to snapshot output log: %w", err)
	}
	return out.Sync()
}
