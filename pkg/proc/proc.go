package proc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/log"
)

// spawnTimeout bounds how long a spawn may stay in-flight before the
// pidfile is observed with a live process.
const spawnTimeout = 2 * time.Second

// DefaultStopGrace is the SIGTERM-to-SIGKILL window.
const DefaultStopGrace = 5 * time.Second

// observeInterval is the liveness polling cadence.
const observeInterval = 500 * time.Millisecond

// Manager launches and controls detached workload processes. Children
// are fully detached via the daemonizer helper, so none of them are
// ever this process's children; all observation is signal-based.
type Manager struct {
	daemonizer string
	logger     zerolog.Logger
}

// NewManager creates a process manager using the daemonizer helper at
// the given path.
func NewManager(daemonizer string) *Manager {
	return &Manager{
		daemonizer: daemonizer,
		logger:     log.WithComponent("proc"),
	}
}

// Spawn launches program fully detached: new session, stdin from
// /dev/null, stdout and stderr appended to outputLog, CWD preserved.
// The helper writes the workload pid to pidfile; spawn completes only
// once that pid is observed alive.
func (m *Manager) Spawn(ctx context.Context, program string, args []string, outputLog, pidfile string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(outputLog), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	// A leftover pidfile from an earlier run must not satisfy the wait.
	_ = os.Remove(pidfile)

	argv := append([]string{outputLog, pidfile, program}, args...)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.daemonizer, argv...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("daemonizer failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	pid, err := m.waitPidfile(ctx, pidfile)
	if err != nil {
		return 0, fmt.Errorf("spawn of %s: %w", program, err)
	}

	m.logger.Info().Str("program", program).Int("pid", pid).Msg("process spawned")
	return pid, nil
}

func (m *Manager) waitPidfile(ctx context.Context, pidfile string) (int, error) {
	deadline := time.Now().Add(spawnTimeout)
	for {
		pid, err := ReadPidfile(pidfile)
		if err == nil && Alive(pid) {
			return pid, nil
		}

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("timed out waiting for live pid in %s", pidfile)
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Pause stops the process with SIGSTOP.
func (m *Manager) Pause(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
		return fmt.Errorf("failed to pause pid %d: %w", pid, err)
	}
	return nil
}

// Resume continues the process with SIGCONT.
func (m *Manager) Resume(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("failed to resume pid %d: %w", pid, err)
	}
	return nil
}

// Stop terminates the process: SIGTERM, a grace period, then SIGKILL.
// A non-positive grace uses the default. Stop returns once the pid is
// gone.
func (m *Manager) Stop(ctx context.Context, pid int, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	// A stopped task never delivers SIGTERM; wake it first.
	_ = syscall.Kill(pid, syscall.SIGCONT)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	m.logger.Warn().Int("pid", pid).Msg("grace period expired, killing")
	_ = syscall.Kill(pid, syscall.SIGKILL)

	killDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(killDeadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("pid %d survived SIGKILL", pid)
}

// Kill force-kills the process immediately. Used when a role flip
// requires a stale local process to die before anything else happens.
func (m *Manager) Kill(pid int) {
	_ = syscall.Kill(pid, syscall.SIGCONT)
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// Watch polls the pid and closes the returned channel once the
// process is gone or the context ends.
func (m *Manager) Watch(ctx context.Context, pid int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(observeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !Alive(pid) {
					return
				}
			}
		}
	}()
	return done
}

// Alive reports whether a process with the pid exists. A permission
// error still means the pid is live.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// WritePidfile records pid via write-to-temp plus rename.
func WritePidfile(path string, pid int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("failed to write pidfile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to persist pidfile: %w", err)
	}
	return nil
}

// ReadPidfile parses the decimal pid stored at path.
func ReadPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("corrupt pidfile %s", path)
	}
	return pid, nil
}
