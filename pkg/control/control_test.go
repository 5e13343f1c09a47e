package control

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhilabs/nhi/pkg/types"
)

// fakeCore records calls and returns canned data.
type fakeCore struct {
	lastOp   string
	failWith error
}

func (c *fakeCore) StartDetached(program string, args []string) (types.InstanceID, error) {
	c.lastOp = OpStartDetached
	return "a1b2c3d4", c.failWith
}

func (c *fakeCore) StopInstance(id string) error { c.lastOp = OpStop; return c.failWith }
func (c *fakeCore) PauseInstance(id string) error { c.lastOp = OpPause; return c.failWith }
func (c *fakeCore) ResumeInstance(id string) error { c.lastOp = OpResume; return c.failWith }
func (c *fakeCore) Checkpoint(id, name string) error { c.lastOp = OpCheckpoint; return c.failWith }
func (c *fakeCore) RestoreCheckpoint(id, n string) error { c.lastOp = OpRestore; return c.failWith }
func (c *fakeCore) MigrateInstance(id, t string) error { c.lastOp = OpMigrate; return c.failWith }
func (c *fakeCore) CancelMigration(id string) error { c.lastOp = OpCancel; return c.failWith }
func (c *fakeCore) PurgeInstance(id string) error { c.lastOp = OpPurge; return c.failWith }
func (c *fakeCore) InstanceLog(id string) (string, error) { c.lastOp = OpLogs; return "out\n", c.failWith }

func (c *fakeCore) Instances() ([]*types.Instance, []*types.RemoteInstance) {
	c.lastOp = OpList
	return []*types.Instance{{ID: "a1b2c3d4", Role: types.RoleRunning}},
		[]*types.RemoteInstance{{ID: "ffff0001", OwnerNode: "0b9e5a77-11d2-4d3c-9d92-6a3f0e8b42dd"}}
}

func (c *fakeCore) Nodes() []types.Node {
	c.lastOp = OpNodes
	return []types.Node{{ID: "5f0f2a3c-9c1d-4f4e-8a25-64c6f52f9a11", Name: "alpha"}}
}

func startTestServer(t *testing.T, core Core) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), SocketName)
	srv := NewServer(core, path)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return NewClient(path)
}

func TestRequestRoundTrip(t *testing.T) {
	core := &fakeCore{}
	client := startTestServer(t, core)

	resp, err := client.Do(&Request{Op: OpStartDetached, Program: "/bin/yes", Args: []string{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4", resp.InstanceID)
	assert.Equal(t, OpStartDetached, core.lastOp)
}

func TestListCarriesLocalAndRemote(t *testing.T) {
	client := startTestServer(t, &fakeCore{})

	resp, err := client.Do(&Request{Op: OpList})
	require.NoError(t, err)
	require.Len(t, resp.Instances, 1)
	require.Len(t, resp.Remote, 1)
	assert.Equal(t, types.InstanceID("a1b2c3d4"), resp.Instances[0].ID)
}

func TestErrorSurfacesToCaller(t *testing.T) {
	core := &fakeCore{failWith: fmt.Errorf("instance busy")}
	client := startTestServer(t, core)

	_, err := client.Do(&Request{Op: OpStop, ID: "a1b2c3d4"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance busy")
}

func TestUnknownOperation(t *testing.T) {
	client := startTestServer(t, &fakeCore{})

	_, err := client.Do(&Request{Op: "frobnicate"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation")
}

func TestEachOperationDispatches(t *testing.T) {
	tests := []struct {
		op string
	}{
		{OpStop}, {OpPause}, {OpResume}, {OpCheckpoint}, {OpRestore},
		{OpMigrate}, {OpCancel}, {OpPurge}, {OpLogs}, {OpNodes},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			core := &fakeCore{}
			client := startTestServer(t, core)

			_, err := client.Do(&Request{Op: tt.op, ID: "a1b2c3d4", Name: "cp1", Target: "beta"})
			require.NoError(t, err)
			assert.Equal(t, tt.op, core.lastOp)
		})
	}
}

func TestClientWithoutDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.Do(&Request{Op: OpList})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon")
}
