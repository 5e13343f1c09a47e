package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhilabs/nhi/pkg/discovery"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

const (
	nodeA = types.NodeID("5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11")
	nodeB = types.NodeID("0b9e5a77-11d2-4d3c-9d92-6a3f0e8b42dd")
)

func newTestManager(t *testing.T, id types.NodeID, name string) *Manager {
	t.Helper()
	m := NewManager(Config{
		Self:       types.Node{ID: id, Name: name, Version: "test"},
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

// join connects b to a via a synthetic beacon from a.
func join(t *testing.T, a, b *Manager) {
	t.Helper()
	b.HandleBeacon(&discovery.Beacon{
		NodeID:          a.cfg.Self.ID,
		NodeName:        a.cfg.Self.Name,
		ListenAddr:      a.Addr(),
		ProtocolVersion: wire.ProtocolVersion,
	}, nil)

	require.Eventually(t, func() bool {
		return a.Ready(b.cfg.Self.ID) && b.Ready(a.cfg.Self.ID)
	}, 5*time.Second, 20*time.Millisecond, "session never established")
}

func TestHandshakeJoinsBothSides(t *testing.T) {
	a := newTestManager(t, nodeA, "alpha")
	b := newTestManager(t, nodeB, "beta")

	join(t, a, b)

	peerOfA, ok := a.Peer(nodeB)
	require.True(t, ok)
	assert.Equal(t, "beta", peerOfA.Name)
	assert.Equal(t, types.NodeStatusReady, peerOfA.Status)

	peerOfB, ok := b.Peer(nodeA)
	require.True(t, ok)
	assert.Equal(t, "alpha", peerOfB.Name)
}

func TestMessageRouting(t *testing.T) {
	a := newTestManager(t, nodeA, "alpha")
	b := newTestManager(t, nodeB, "beta")

	type routed struct {
		from types.NodeID
		msg  wire.Message
	}
	got := make(chan routed, 1)
	b.SetHandler(func(from types.NodeID, msg wire.Message) {
		got <- routed{from: from, msg: msg}
	})

	join(t, a, b)

	want := &wire.OwnershipChanged{InstanceID: "a1b2c3d4", NewOwner: nodeA, Seq: 9}
	require.NoError(t, a.SendTo(nodeB, want))

	select {
	case r := <-got:
		assert.Equal(t, nodeA, r.from)
		assert.Equal(t, want, r.msg)
	case <-time.After(3 * time.Second):
		t.Fatal("message never routed")
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	a := newTestManager(t, nodeA, "alpha")

	err := a.SendTo(nodeB, &wire.SwapAck{InstanceID: "a1b2c3d4"})
	assert.ErrorIs(t, err, types.ErrPeerUnreachable)
}

func TestBeaconWithWrongProtocolVersionIgnored(t *testing.T) {
	a := newTestManager(t, nodeA, "alpha")
	b := newTestManager(t, nodeB, "beta")

	b.HandleBeacon(&discovery.Beacon{
		NodeID:          nodeA,
		ListenAddr:      a.Addr(),
		ProtocolVersion: wire.ProtocolVersion + 1,
	}, nil)

	time.Sleep(300 * time.Millisecond)
	assert.False(t, b.Ready(nodeA))
}

func TestGoodbyeEvictsImmediately(t *testing.T) {
	a := newTestManager(t, nodeA, "alpha")
	b := newTestManager(t, nodeB, "beta")

	join(t, a, b)

	a.Stop() // broadcasts Goodbye

	require.Eventually(t, func() bool {
		_, known := b.Peer(nodeA)
		return !known
	}, 5*time.Second, 20*time.Millisecond, "peer never evicted after goodbye")
}

func TestDuplicateSessionsCollapse(t *testing.T) {
	a := newTestManager(t, nodeA, "alpha")
	b := newTestManager(t, nodeB, "beta")

	// Both sides observe each other's beacon at once.
	go a.HandleBeacon(&discovery.Beacon{
		NodeID: nodeB, ListenAddr: b.Addr(), ProtocolVersion: wire.ProtocolVersion,
	}, nil)
	go b.HandleBeacon(&discovery.Beacon{
		NodeID: nodeA, ListenAddr: a.Addr(), ProtocolVersion: wire.ProtocolVersion,
	}, nil)

	require.Eventually(t, func() bool {
		return a.Ready(nodeB) && b.Ready(nodeA)
	}, 5*time.Second, 20*time.Millisecond)

	// Exactly one membership row per peer.
	assert.Len(t, a.Peers(), 1)
	assert.Len(t, b.Peers(), 1)

	// And the surviving sessions actually carry traffic.
	got := make(chan wire.Message, 1)
	b.SetHandler(func(_ types.NodeID, msg wire.Message) { got <- msg })
	require.NoError(t, a.SendTo(nodeB, &wire.SwapAck{InstanceID: "a1b2c3d4"}))

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("surviving session dropped traffic")
	}
}
