package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhilabs/nhi/pkg/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestUpsertAndGet(t *testing.T) {
	r := openTestRegistry(t)

	ri := &types.RemoteInstance{
		ID:        "a1b2c3d4",
		Program:   "/bin/counter",
		OwnerNode: "5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11",
		Seq:       3,
	}
	require.NoError(t, r.UpsertInstance(ri))

	got, err := r.GetInstance("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, ri.OwnerNode, got.OwnerNode)
	assert.Equal(t, uint64(3), got.Seq)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestStaleSeqDiscarded(t *testing.T) {
	r := openTestRegistry(t)

	require.NoError(t, r.UpsertInstance(&types.RemoteInstance{
		ID: "a1b2c3d4", OwnerNode: "5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11", Seq: 5,
	}))

	// A late broadcast with an older seq must not roll the owner back.
	require.NoError(t, r.UpsertInstance(&types.RemoteInstance{
		ID: "a1b2c3d4", OwnerNode: "0b9e5a77-11d2-4d3c-9d92-6a3f0e8b42dd", Seq: 2,
	}))

	got, err := r.GetInstance("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11"), got.OwnerNode)
	assert.Equal(t, uint64(5), got.Seq)
}

func TestGetUnknown(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.GetInstance("deadbeef")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListAndDelete(t *testing.T) {
	r := openTestRegistry(t)

	require.NoError(t, r.UpsertInstance(&types.RemoteInstance{ID: "aaaa0001", Seq: 1}))
	require.NoError(t, r.UpsertInstance(&types.RemoteInstance{ID: "aaaa0002", Seq: 1}))

	list, err := r.ListInstances()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, r.DeleteInstance("aaaa0001"))
	list, err = r.ListInstances()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestKnownNodes(t *testing.T) {
	r := openTestRegistry(t)

	n := &types.Node{
		ID:   "5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11",
		Name: "alpha",
		Addr: "192.168.1.10:8080",
	}
	require.NoError(t, r.RememberNode(n))

	nodes, err := r.KnownNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "alpha", nodes[0].Name)

	require.NoError(t, r.ForgetNode(n.ID))
	nodes, err = r.KnownNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
