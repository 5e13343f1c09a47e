package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/shadow"
	"github.com/nhilabs/nhi/pkg/store"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

const (
	nodeA = types.NodeID("5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11")
	nodeB = types.NodeID("0b9e5a77-11d2-4d3c-9d92-6a3f0e8b42dd")
)

// fakeDriver stands in for the external tool on one node.
type fakeDriver struct {
	mu          sync.Mutex
	payload     []byte
	restorePID  int
	restoreErr  error
	restores    int
	restoredDir string
}

func (d *fakeDriver) Dump(_ context.Context, _ int, dir string, _ criu.DumpOpts) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "pages-1.img"), d.payload, 0o644)
}

func (d *fakeDriver) Restore(_ context.Context, dir string, _ criu.RestoreOpts) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restores++
	d.restoredDir = dir
	if d.restoreErr != nil {
		return 0, d.restoreErr
	}
	return d.restorePID, nil
}

// fakeProc records signals instead of sending them.
type fakeProc struct {
	mu      sync.Mutex
	resumed []int
	killed  []int
	stopped []int
}

func (p *fakeProc) Resume(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumed = append(p.resumed, pid)
	return nil
}

func (p *fakeProc) Stop(_ context.Context, pid int, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = append(p.stopped, pid)
	return nil
}

func (p *fakeProc) Kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = append(p.killed, pid)
}

func (p *fakeProc) killedPIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.killed...)
}

func (p *fakeProc) resumedPIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.resumed...)
}

// testNode bundles one side of the protocol.
type testNode struct {
	id      types.NodeID
	store   *store.Store
	coord   *Coordinator
	inbound *shadow.Inbound
	driver  *fakeDriver
	proc    *fakeProc
	queue   chan delivery
}

type delivery struct {
	from types.NodeID
	msg  wire.Message
}

// fakeNet wires two nodes with FIFO per-pair delivery, mirroring the
// single-session transport.
type fakeNet struct {
	mu        sync.Mutex
	nodes     map[types.NodeID]*testNode
	broadcast []wire.Message
	down      map[types.NodeID]bool

	// sendBudget, when set for a node, fails deliveries to it after
	// that many frames, simulating a peer vanishing mid-transfer.
	sendBudget map[types.NodeID]int
}

func (n *fakeNet) view(self types.NodeID) *netView {
	return &netView{net: n, self: self}
}

type netView struct {
	net  *fakeNet
	self types.NodeID
}

func (v *netView) SendTo(id types.NodeID, msg wire.Message) error {
	v.net.mu.Lock()
	node, ok := v.net.nodes[id]
	down := v.net.down[id]
	if budget, limited := v.net.sendBudget[id]; limited {
		if budget <= 0 {
			down = true
		} else {
			v.net.sendBudget[id] = budget - 1
		}
	}
	v.net.mu.Unlock()

	if !ok || down {
		return fmt.Errorf("%w: %s", types.ErrPeerUnreachable, id)
	}
	node.queue <- delivery{from: v.self, msg: msg}
	return nil
}

func (v *netView) Broadcast(msg wire.Message) {
	v.net.mu.Lock()
	v.net.broadcast = append(v.net.broadcast, msg)
	var others []*testNode
	for id, node := range v.net.nodes {
		if id != v.self && !v.net.down[id] {
			others = append(others, node)
		}
	}
	v.net.mu.Unlock()

	for _, node := range others {
		node.queue <- delivery{from: v.self, msg: msg}
	}
}

func (v *netView) Ready(id types.NodeID) bool {
	v.net.mu.Lock()
	defer v.net.mu.Unlock()
	_, ok := v.net.nodes[id]
	return ok && !v.net.down[id]
}

func (n *fakeNet) broadcasts() []wire.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]wire.Message(nil), n.broadcast...)
}

func newTestNode(t *testing.T, net *fakeNet, id types.NodeID, driver *fakeDriver) *testNode {
	t.Helper()

	st, err := store.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	node := &testNode{
		id:      id,
		store:   st,
		driver:  driver,
		proc:    &fakeProc{},
		inbound: shadow.NewInbound(st, nil),
		queue:   make(chan delivery, 256),
	}
	node.coord = NewCoordinator(Config{
		Self:    id,
		Store:   st,
		Cluster: net.view(id),
		Driver:  driver,
		Proc:    node.proc,
		Permits: shadow.NewPermits(),
		Timeout: 10 * time.Second,
	})

	net.mu.Lock()
	if net.nodes == nil {
		net.nodes = make(map[types.NodeID]*testNode)
		net.down = make(map[types.NodeID]bool)
	}
	net.nodes[id] = node
	net.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for d := range node.queue {
			if node.inbound.HandleMessage(d.from, d.msg) {
				continue
			}
			node.coord.HandleMessage(d.from, d.msg)
		}
	}()
	t.Cleanup(func() {
		close(node.queue)
		<-done
	})
	return node
}

// newRig builds a source (with a running instance) and a target (with
// a prior shadow record).
func newRig(t *testing.T) (*fakeNet, *testNode, *testNode) {
	t.Helper()
	net := &fakeNet{}

	src := newTestNode(t, net, nodeA, &fakeDriver{payload: []byte("image v1")})
	dst := newTestNode(t, net, nodeB, &fakeDriver{payload: []byte("image v1"), restorePID: 5555})

	require.NoError(t, src.store.Create(&types.Instance{
		ID:        "a1b2c3d4",
		Program:   "/bin/counter",
		Role:      types.RoleRunning,
		PID:       4242,
		OwnerNode: nodeA,
		AutoSync:  true,
	}))
	require.NoError(t, os.WriteFile(src.store.OutputLogPath("a1b2c3d4"), []byte("count 1\ncount 2\n"), 0o644))

	require.NoError(t, dst.store.Create(&types.Instance{
		ID:        "a1b2c3d4",
		Program:   "/bin/counter",
		Role:      types.RoleShadow,
		OwnerNode: nodeA,
		AutoSync:  true,
	}))
	return net, src, dst
}

func TestMigrationHappyPath(t *testing.T) {
	net, src, dst := newRig(t)

	err := src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB)
	require.NoError(t, err)

	// Source flipped to shadow, stale pid killed, ownership recorded.
	srcInst, err := src.store.Get("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, types.RoleShadow, srcInst.Role)
	assert.Zero(t, srcInst.PID)
	assert.Equal(t, nodeB, srcInst.OwnerNode)
	assert.Contains(t, src.proc.killedPIDs(), 4242)

	// Target is running the restored pid.
	require.Eventually(t, func() bool {
		inst, gerr := dst.store.Get("a1b2c3d4")
		return gerr == nil && inst.Role == types.RoleRunning && inst.PID == 5555
	}, 5*time.Second, 20*time.Millisecond)

	dstInst, err := dst.store.Get("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, nodeB, dstInst.OwnerNode)
	require.NotNil(t, dstInst.LatestCheckpoint)
	assert.Equal(t, uint64(1), dstInst.LatestCheckpoint.Seq)

	// The output log prefix travelled with the images.
	data, err := os.ReadFile(dst.store.OutputLogPath("a1b2c3d4"))
	require.NoError(t, err)
	assert.Equal(t, "count 1\ncount 2\n", string(data))

	// Ownership convergence broadcast went out.
	require.Eventually(t, func() bool {
		for _, msg := range net.broadcasts() {
			if oc, ok := msg.(*wire.OwnershipChanged); ok && oc.NewOwner == nodeB {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMigrationRestoreFailure(t *testing.T) {
	_, src, dst := newRig(t)
	dst.driver.restoreErr = errors.New("criu exploded")

	err := src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRestoreFailed)
	assert.Contains(t, err.Error(), "criu exploded")

	// Source resumed its paused process and returned to Running.
	srcInst, err := src.store.Get("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, types.RoleRunning, srcInst.Role)
	assert.Equal(t, 4242, srcInst.PID)
	assert.Contains(t, src.proc.resumedPIDs(), 4242)
	assert.Empty(t, src.proc.killedPIDs())

	// Target reverted to its prior shadow state, partial images gone.
	require.Eventually(t, func() bool {
		inst, gerr := dst.store.Get("a1b2c3d4")
		return gerr == nil && inst.Role == types.RoleShadow
	}, 5*time.Second, 20*time.Millisecond)

	dstInst, err := dst.store.Get("a1b2c3d4")
	require.NoError(t, err)
	assert.Nil(t, dstInst.LatestCheckpoint)
	assert.NoDirExists(t, dst.store.ImageDir("a1b2c3d4", "migr-1"))
}

func TestMigrateRejectsWrongRole(t *testing.T) {
	_, src, _ := newRig(t)
	_, err := src.store.Update("a1b2c3d4", func(i *types.Instance) error {
		i.Role = types.RoleShadow
		return nil
	})
	require.NoError(t, err)

	err = src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB)
	assert.ErrorIs(t, err, types.ErrInvalidState)
}

func TestMigrateUnknownInstance(t *testing.T) {
	_, src, _ := newRig(t)
	err := src.coord.Migrate(context.Background(), "deadbeef", nodeB)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMigrateUnreachableTarget(t *testing.T) {
	_, src, _ := newRig(t)
	err := src.coord.Migrate(context.Background(), "a1b2c3d4", "11111111-2222-3333-4444-555555555555")
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
}

func TestMigrateBusyWhenPermitHeld(t *testing.T) {
	_, src, _ := newRig(t)

	// A sync tick (or another migration) holds the permit.
	require.True(t, src.coord.cfg.Permits.TryAcquire("a1b2c3d4"))
	defer src.coord.cfg.Permits.Release("a1b2c3d4")

	err := src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB)
	assert.ErrorIs(t, err, types.ErrBusy)
}

func TestTargetRejectsConcurrentMigration(t *testing.T) {
	_, src, dst := newRig(t)

	// The target already has an inbound migration for this instance.
	dst.coord.mu.Lock()
	dst.coord.inbound["a1b2c3d4"] = &inboundMigration{source: "11111111-2222-3333-4444-555555555555", startedAt: time.Now()}
	dst.coord.mu.Unlock()

	err := src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB)
	assert.ErrorIs(t, err, types.ErrBusy)

	// Source reverted cleanly.
	srcInst, err2 := src.store.Get("a1b2c3d4")
	require.NoError(t, err2)
	assert.Equal(t, types.RoleRunning, srcInst.Role)
}

func TestTargetRejectsStaleShadow(t *testing.T) {
	_, src, dst := newRig(t)

	// Source sits at seq 5; the target shadow only ever saw seq 1.
	_, err := src.store.Update("a1b2c3d4", func(i *types.Instance) error {
		i.LatestCheckpoint = &types.CheckpointRef{Name: "sync-5", Seq: 5, SHA256: "aa"}
		return nil
	})
	require.NoError(t, err)
	_, err = dst.store.Update("a1b2c3d4", func(i *types.Instance) error {
		i.LatestCheckpoint = &types.CheckpointRef{Name: "sync-1", Seq: 1, SHA256: "bb"}
		return nil
	})
	require.NoError(t, err)

	err = src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidState)
	assert.Contains(t, err.Error(), "stale")
}

func TestColdMigration(t *testing.T) {
	net, src, dst := newRig(t)

	// The target has never heard of the instance.
	_, err := dst.store.Update("a1b2c3d4", func(i *types.Instance) error {
		i.Role = types.RoleStopped
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, dst.store.Purge("a1b2c3d4"))

	require.NoError(t, src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB))

	require.Eventually(t, func() bool {
		inst, gerr := dst.store.Get("a1b2c3d4")
		return gerr == nil && inst.Role == types.RoleRunning && inst.PID == 5555
	}, 5*time.Second, 20*time.Millisecond)

	_ = net
}

func TestPeerDropDuringTransfer(t *testing.T) {
	net, src, _ := newRig(t)

	// The request goes through; the peer vanishes once the image
	// stream starts.
	net.mu.Lock()
	net.sendBudget = map[types.NodeID]int{nodeB: 1}
	net.mu.Unlock()

	err := src.coord.Migrate(context.Background(), "a1b2c3d4", nodeB)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransferFailed)

	// The source aborted, resumed its process and kept ownership.
	srcInst, gerr := src.store.Get("a1b2c3d4")
	require.NoError(t, gerr)
	assert.Equal(t, types.RoleRunning, srcInst.Role)
	assert.Equal(t, 4242, srcInst.PID)
	assert.Contains(t, src.proc.resumedPIDs(), 4242)
}

func TestCancelWithoutMigration(t *testing.T) {
	_, src, _ := newRig(t)
	assert.ErrorIs(t, src.coord.Cancel("a1b2c3d4"), types.ErrNotFound)
}
