package processHelpers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// probeTimeout bounds a single TCP connect attempt, not the overall wait.
const probeTimeout = 1 * time.Second

// dialTimeout is a package-scope indirection so tests can count or fake probes.
var dialTimeout = net.DialTimeout

// ProcessExitedError reports that the server process terminated before its
// listening port ever became reachable. A dead process cannot become
// reachable, so this is never retried.
type ProcessExitedError struct {
	ExitCode int
}

func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("server process exited unexpectedly with code %d", e.ExitCode)
}

// StartupTimeoutError reports that the readiness poll exhausted its retry
// budget while the server process was still running.
type StartupTimeoutError struct {
	Attempts int
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("server not reachable after %d probe attempts", e.Attempts)
}

// Process is the handle to a supervised server process. Once EnsureServerReady
// returns it, stopping the process is the caller's responsibility.
type Process struct {
	cmd *exec.Cmd

	done    chan struct{}
	waitErr error
}

func newProcess(cmd *exec.Cmd) *Process {
	p := &Process{cmd: cmd, done: make(chan struct{})}
	// Reap the child as soon as it exits so the poll loop can observe the
	// exit code without blocking.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the process has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the observed exit code and true once the process has
// terminated; before that it returns false.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode(), true
	default:
		return 0, false
	}
}

func (p *Process) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// Wait blocks until the process exits and returns the error from exec.Cmd.Wait.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Stop attempts a graceful shutdown: SIGTERM first, then a hard kill once the
// grace period elapses.
func (p *Process) Stop(grace time.Duration) {
	if !p.Alive() {
		return
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The process may have exited between the Alive check and the
		// signal; fall through and wait for the reaper either way.
		slog.Error("Error sending SIGTERM to process", "error", err)
	}
	select {
	case <-p.done:
		slog.Info("process exited", "error", p.waitErr)
	case <-time.After(grace):
		slog.Info("timeout, force killing")
		if err := p.cmd.Process.Kill(); err != nil {
			slog.Error("Error force killing process", "error", err)
		}
		<-p.done // wait again to reap zombie
	}
}

// ProbePort performs one readiness probe: a short-timeout TCP connect to
// host:port. The connection is closed immediately and no data is exchanged,
// so probing an already-ready listener is side-effect free.
func ProbePort(host string, port int) error {
	conn, err := dialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), probeTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// EnsureServerReady starts command and blocks until its TCP listener at
// host:port accepts a connection, retrying every pollInterval. Connect
// failures are expected steady-state during startup and are retried silently;
// the loop ends early only when the child exits, which fails with
// ProcessExitedError. A positive maxRetries caps the attempts and fails with
// StartupTimeoutError once exhausted (the child is killed first); maxRetries
// <= 0 polls forever.
//
// On success the returned Process belongs to the caller, including shutdown.
func EnsureServerReady(ctx context.Context, command []string, dir, host string, port int, pollInterval time.Duration, maxRetries int) (*Process, error) {
	if len(command) == 0 {
		return nil, errors.New("empty server command")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// Context cancellation must leave room for a graceful drain: deliver
	// SIGTERM instead of the default SIGKILL and let WaitDelay (or the
	// caller's Stop ladder) escalate if the server ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server process: %w", err)
	}
	p := newProcess(cmd)

	for attempt := 1; ; attempt++ {
		if err := ProbePort(host, port); err == nil {
			slog.Info("Server webserver ready", "host", host, "port", port, "attempts", attempt)
			return p, nil
		}

		// The process can never become reachable once it is gone.
		if code, exited := p.ExitCode(); exited {
			return nil, &ProcessExitedError{ExitCode: code}
		}

		if maxRetries > 0 && attempt >= maxRetries {
			_ = p.Kill()
			<-p.done
			return nil, &StartupTimeoutError{Attempts: attempt}
		}

		time.Sleep(pollInterval)

		// Check again after the pause: the reaper may not have observed an
		// exit that raced the probe above, and a dead process must not be
		// probed a second time.
		if code, exited := p.ExitCode(); exited {
			return nil, &ProcessExitedError{ExitCode: code}
		}
	}
}
