package criu

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/types"
)

// restorePidfile is the pidfile the tool writes under the image
// directory on a successful restore.
const restorePidfile = "restore.pid"

// stderrTailBytes bounds how much of the tool's stderr is carried in
// surfaced errors.
const stderrTailBytes = 2048

// DumpOpts controls a dump invocation.
type DumpOpts struct {
	// LeaveRunning keeps the process alive after the dump. Shadow sync
	// uses this; the final migration dump does not.
	LeaveRunning bool
	ShellJob     bool
	ExternalTTY  bool
}

// RestoreOpts controls a restore invocation. Restores are always
// detached.
type RestoreOpts struct {
	ShellJob bool

	// InheritFDs maps a descriptor number in the restored task to the
	// path it should be reattached to, e.g. 1 -> the instance output
	// log.
	InheritFDs map[int]string
}

// Driver is the narrow contract over the external checkpoint/restore
// tool. It interprets only exit codes and the restore pidfile, never
// image contents.
type Driver struct {
	tool   string
	logger zerolog.Logger
}

// NewDriver creates a driver for the tool at the given path.
func NewDriver(tool string) *Driver {
	return &Driver{
		tool:   tool,
		logger: log.WithComponent("criu"),
	}
}

// Dump checkpoints pid into imagesDir. The directory is created if
// missing; all paths handed to the tool are absolute.
func (d *Driver) Dump(ctx context.Context, pid int, imagesDir string, opts DumpOpts) error {
	absDir, err := filepath.Abs(imagesDir)
	if err != nil {
		return fmt.Errorf("failed to resolve image directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}

	args := []string{
		"dump",
		"--tree", strconv.Itoa(pid),
		"-D", absDir,
	}
	if opts.LeaveRunning {
		args = append(args, "--leave-running")
	} else {
		args = append(args, "--stop")
	}
	if opts.ShellJob {
		args = append(args, "--shell-job")
	}
	if opts.ExternalTTY {
		args = append(args, "--external", "tty")
	}
	args = append(args, "-v4", "-o", "dump.log")

	d.logger.Debug().Int("pid", pid).Str("dir", absDir).Msg("invoking dump")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.tool, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return types.CheckpointFailedf(tail(stderr.Bytes()))
	}
	return nil
}

// Restore resurrects the image set in imagesDir as a new detached
// process and returns its pid, read from the pidfile the tool writes
// under the image directory.
func (d *Driver) Restore(ctx context.Context, imagesDir string, opts RestoreOpts) (int, error) {
	absDir, err := filepath.Abs(imagesDir)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve image directory: %w", err)
	}

	// A stale pidfile from a previous attempt must not satisfy the wait
	// below.
	pidPath := filepath.Join(absDir, restorePidfile)
	_ = os.Remove(pidPath)

	args := []string{
		"restore",
		"-D", absDir,
		"--restore-detached",
	}
	if opts.ShellJob {
		args = append(args, "--shell-job")
	}
	for _, fd := range sortedFDs(opts.InheritFDs) {
		args = append(args, "--inherit-fd", fmt.Sprintf("fd[%d]:%s", fd, opts.InheritFDs[fd]))
	}
	args = append(args, "--pidfile", restorePidfile, "-v4", "-o", "restore.log")

	d.logger.Debug().Str("dir", absDir).Msg("invoking restore")

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.tool, args...)
	cmd.Dir = absDir
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, types.RestoreFailedf(tail(stderr.Bytes()))
	}

	pid, err := d.waitPidfile(ctx, pidPath)
	if err != nil {
		return 0, err
	}

	// The tool may leave the restored task stopped; a SIGCONT guarantees
	// forward progress either way.
	if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
		d.logger.Warn().Err(err).Int("pid", pid).Msg("failed to SIGCONT restored process")
	}

	return pid, nil
}

func (d *Driver) waitPidfile(ctx context.Context, path string) (int, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			pid, perr := strconv.Atoi(strings.TrimSpace(string(data)))
			if perr == nil && pid > 0 {
				return pid, nil
			}
		}

		if time.Now().After(deadline) {
			return 0, types.RestoreFailedf("restore pidfile never appeared")
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func sortedFDs(m map[int]string) []int {
	fds := make([]int, 0, len(m))
	for fd := range m {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return s
}
