package node

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhilabs/nhi/pkg/config"
	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/proc"
	"github.com/nhilabs/nhi/pkg/types"
)

// writeScript drops an executable helper script.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// fakeDaemonizer mirrors the real helper's contract: background the
// program with output redirected, record the pid.
func fakeDaemonizer(t *testing.T) string {
	return writeScript(t, "daemonize", `out="$1"; pidfile="$2"; prog="$3"; shift 3
"$prog" "$@" >> "$out" 2>&1 &
echo $! > "$pidfile"
`)
}

// fakeCheckpointTool dumps a marker image file and restores by
// starting a fresh sleep, as the real tool would resurrect the task.
func fakeCheckpointTool(t *testing.T) string {
	return writeScript(t, "checkpoint-tool", `cmd="$1"; shift
case "$cmd" in
dump)
  dir=""
  while [ $# -gt 0 ]; do
    [ "$1" = "-D" ] && dir="$2"
    shift
  done
  printf 'image-bytes' > "$dir/pages-1.img"
  ;;
restore)
  /bin/sleep 300 &
  echo $! > restore.pid
  ;;
esac
exit 0
`)
}

func newTestNode(t *testing.T) *Node {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.NetworkingEnabled = false
	cfg.Daemonizer = fakeDaemonizer(t)
	cfg.CheckpointTool = fakeCheckpointTool(t)

	n, err := New(cfg, "test")
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		// Leave no stray workloads behind.
		for _, inst := range n.store.List() {
			if inst.PID > 0 {
				n.proc.Kill(inst.PID)
			}
		}
		n.Stop()
	})
	return n
}

func TestStartDetached(t *testing.T) {
	n := newTestNode(t)

	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)
	assert.Len(t, id, 8)

	inst, err := n.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.RoleRunning, inst.Role)
	assert.Equal(t, n.ID(), inst.OwnerNode)
	assert.True(t, inst.AutoSync)
	assert.True(t, proc.Alive(inst.PID))

	// The pidfile mirrors the live pid.
	stored, err := proc.ReadPidfile(n.store.PidfilePath(id))
	require.NoError(t, err)
	assert.Equal(t, inst.PID, stored)
}

func TestStartDetachedMissingProgram(t *testing.T) {
	n := newTestNode(t)

	_, err := n.StartDetached("/no/such/binary", nil)
	assert.Error(t, err)
}

func TestCheckpointStopRestoreCycle(t *testing.T) {
	n := newTestNode(t)

	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)
	firstPID := mustGet(t, n, id).PID

	// Checkpoint: manifest lands on disk, seq advances.
	require.NoError(t, n.Checkpoint(string(id), "cp1"))
	inst := mustGet(t, n, id)
	require.NotNil(t, inst.LatestCheckpoint)
	assert.Equal(t, "cp1", inst.LatestCheckpoint.Name)
	assert.Equal(t, uint64(1), inst.LatestCheckpoint.Seq)

	m, err := criu.ReadManifest(n.store.ImageDir(id, "cp1"))
	require.NoError(t, err)
	assert.Equal(t, inst.LatestCheckpoint.SHA256, m.SHA256)

	// Stop: process gone, role parked.
	require.NoError(t, n.StopInstance(string(id)))
	inst = mustGet(t, n, id)
	assert.Equal(t, types.RoleStopped, inst.Role)
	assert.Zero(t, inst.PID)
	assert.False(t, proc.Alive(firstPID))

	// Restore: a fresh process under the same instance identity.
	require.NoError(t, n.RestoreCheckpoint(string(id), "cp1"))
	inst = mustGet(t, n, id)
	assert.Equal(t, types.RoleRunning, inst.Role)
	assert.NotZero(t, inst.PID)
	assert.NotEqual(t, firstPID, inst.PID)
	assert.True(t, proc.Alive(inst.PID))
}

func TestCheckpointRejectsBadNames(t *testing.T) {
	n := newTestNode(t)
	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)

	assert.Error(t, n.Checkpoint(string(id), ""))
	assert.Error(t, n.Checkpoint(string(id), "../escape"))
	assert.Error(t, n.Checkpoint(string(id), ".hidden"))
}

func TestCheckpointBusyUnderPermit(t *testing.T) {
	n := newTestNode(t)
	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)

	require.True(t, n.permits.TryAcquire(id))
	defer n.permits.Release(id)

	err = n.Checkpoint(string(id), "cp1")
	assert.ErrorIs(t, err, types.ErrBusy)
}

func TestPauseResume(t *testing.T) {
	n := newTestNode(t)
	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)

	require.NoError(t, n.PauseInstance(string(id)))
	assert.True(t, mustGet(t, n, id).Paused)

	// Pausing twice is an error, as is resuming a non-paused instance.
	assert.ErrorIs(t, n.PauseInstance(string(id)), types.ErrInvalidState)

	require.NoError(t, n.ResumeInstance(string(id)))
	assert.False(t, mustGet(t, n, id).Paused)
	assert.ErrorIs(t, n.ResumeInstance(string(id)), types.ErrInvalidState)
}

func TestResolveByPrefix(t *testing.T) {
	n := newTestNode(t)
	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)

	inst, err := n.resolve(string(id)[:4])
	require.NoError(t, err)
	assert.Equal(t, id, inst.ID)

	_, err = n.resolve("zzzz")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPurgeLifecycle(t *testing.T) {
	n := newTestNode(t)
	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)

	// Running instances resist purging.
	assert.ErrorIs(t, n.PurgeInstance(string(id)), types.ErrInvalidState)

	require.NoError(t, n.StopInstance(string(id)))
	require.NoError(t, n.PurgeInstance(string(id)))

	_, err = n.store.Get(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestInstanceLog(t *testing.T) {
	n := newTestNode(t)

	id, err := n.StartDetached("/bin/echo", []string{"hello world"})
	// The echo may exit before the spawn poll sees it; the log is what
	// matters here.
	_ = err
	if id == "" {
		t.Skip("spawn did not register an instance")
	}

	require.Eventually(t, func() bool {
		logText, lerr := n.InstanceLog(string(id))
		return lerr == nil && logText == "hello world\n"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestRecoverRolesAfterCrash(t *testing.T) {
	n := newTestNode(t)

	id, err := n.StartDetached("/bin/sleep", []string{"60"})
	require.NoError(t, err)
	pid := mustGet(t, n, id).PID

	// Simulate a crash: the workload dies while the record still says
	// Running, then recovery re-reads the on-disk state.
	n.proc.Kill(pid)
	require.Eventually(t, func() bool { return !proc.Alive(pid) }, 3*time.Second, 50*time.Millisecond)

	n.recoverRoles()
	assert.Equal(t, types.RoleStopped, mustGet(t, n, id).Role)
}

func TestRecoverTransientTargetRole(t *testing.T) {
	n := newTestNode(t)

	require.NoError(t, n.store.Create(&types.Instance{
		ID:        "aaaa0001",
		Program:   "/bin/counter",
		Role:      types.RoleMigratingTarget,
		OwnerNode: "11111111-2222-3333-4444-555555555555",
		AutoSync:  true,
		LatestCheckpoint: &types.CheckpointRef{
			Name: "sync-2", Seq: 2, SHA256: "aa",
		},
	}))
	require.NoError(t, n.store.Create(&types.Instance{
		ID:        "aaaa0002",
		Program:   "/bin/counter",
		Role:      types.RoleRestoring,
		OwnerNode: "11111111-2222-3333-4444-555555555555",
		AutoSync:  true,
	}))

	n.recoverRoles()

	// With images on disk the record is a useful shadow; without, it
	// parks.
	assert.Equal(t, types.RoleShadow, mustGet(t, n, "aaaa0001").Role)
	assert.Equal(t, types.RoleStopped, mustGet(t, n, "aaaa0002").Role)
}

func mustGet(t *testing.T, n *Node, id types.InstanceID) *types.Instance {
	t.Helper()
	inst, err := n.store.Get(id)
	require.NoError(t, err)
	return inst
}
