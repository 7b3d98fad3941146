package processHelpers

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

// freePort reserves an ephemeral port and releases it so a test can hand it
// to the code under test.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to release port: %v", err)
	}
	return port
}

func shCommand(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

// countDials wraps the probe dialer with an attempt counter. Restore is left
// to the caller via t.Cleanup.
func countDials(t *testing.T) *int {
	t.Helper()
	attempts := new(int)
	real := dialTimeout
	dialTimeout = func(network, address string, timeout time.Duration) (net.Conn, error) {
		*attempts++
		return real(network, address, timeout)
	}
	t.Cleanup(func() { dialTimeout = real })
	return attempts
}

func TestEnsureServerReadyWaitsForListener(t *testing.T) {
	port := freePort(t)
	attempts := countDials(t)

	// The listener opens only after the supervisor has had time to fail a
	// few probes, modelling a slow server startup.
	listenerReady := make(chan net.Listener, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			listenerReady <- nil
			return
		}
		listenerReady <- l
	}()

	proc, err := EnsureServerReady(context.Background(), shCommand("sleep 30"), "", "127.0.0.1", port, 25*time.Millisecond, 500)
	if err != nil {
		t.Fatalf("EnsureServerReady failed: %v", err)
	}
	defer func() {
		_ = proc.Kill()
		_ = proc.Wait()
	}()
	defer func() {
		if l := <-listenerReady; l != nil {
			_ = l.Close()
		}
	}()

	if !proc.Alive() {
		t.Error("Expected process to still be alive after readiness")
	}
	if *attempts < 2 {
		t.Errorf("Expected at least one failed probe before success, got %d attempts", *attempts)
	}
}

func TestEnsureServerReadyProcessExited(t *testing.T) {
	for _, code := range []int{1, 7} {
		port := freePort(t)
		attempts := countDials(t)

		_, err := EnsureServerReady(context.Background(), shCommand("exit "+strconv.Itoa(code)), "", "127.0.0.1", port, 10*time.Millisecond, 0)
		if err == nil {
			t.Fatalf("Expected error for command exiting with %d", code)
		}

		var exited *ProcessExitedError
		if !errors.As(err, &exited) {
			t.Fatalf("Expected ProcessExitedError, got %T: %v", err, err)
		}
		if exited.ExitCode != code {
			t.Errorf("Expected exit code %d, got %d", code, exited.ExitCode)
		}
		// The exit is observed at the latest on the post-pause check, so a
		// dead process costs at most one probe beyond its exit.
		if *attempts > 2 {
			t.Errorf("Expected at most 2 probes against an exiting process, got %d", *attempts)
		}
	}
}

func TestEnsureServerReadyMaxRetries(t *testing.T) {
	port := freePort(t)
	attempts := countDials(t)

	// Command that never binds the port and never exits on its own; the
	// enforced retry cap substitutes for the unbounded production loop.
	start := time.Now()
	_, err := EnsureServerReady(context.Background(), shCommand("sleep 30"), "", "127.0.0.1", port, 10*time.Millisecond, 5)
	if err == nil {
		t.Fatal("Expected error after retry budget exhausted")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("Retry budget did not bound the wait")
	}

	var timeout *StartupTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Expected StartupTimeoutError, got %T: %v", err, err)
	}
	if timeout.Attempts != 5 {
		t.Errorf("Expected 5 attempts, got %d", timeout.Attempts)
	}
	if *attempts != 5 {
		t.Errorf("Expected exactly 5 probes, got %d", *attempts)
	}
}

func TestEnsureServerReadyProbeSchedule(t *testing.T) {
	port := freePort(t)

	// Fail the first two probes from the dialer itself so the third attempt
	// lands exactly two poll intervals after the first.
	attempts := 0
	real := dialTimeout
	dialTimeout = func(network, address string, timeout time.Duration) (net.Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		go func() { _ = server.Close() }()
		return client, nil
	}
	t.Cleanup(func() { dialTimeout = real })

	interval := 250 * time.Millisecond
	start := time.Now()
	proc, err := EnsureServerReady(context.Background(), shCommand("sleep 30"), "", "127.0.0.1", port, interval, 500)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("EnsureServerReady failed: %v", err)
	}
	defer func() {
		_ = proc.Kill()
		_ = proc.Wait()
	}()

	if attempts != 3 {
		t.Errorf("Expected exactly 3 probe attempts, got %d", attempts)
	}
	if elapsed < 2*interval {
		t.Errorf("Expected at least %v elapsed, got %v", 2*interval, elapsed)
	}
	if elapsed >= 3*interval {
		t.Errorf("Expected less than %v elapsed, got %v", 3*interval, elapsed)
	}
}

func TestProbePortIdempotent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	defer func() { _ = l.Close() }()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	for i := 0; i < 3; i++ {
		if err := ProbePort("127.0.0.1", addr.Port); err != nil {
			t.Fatalf("Probe %d against ready listener failed: %v", i+1, err)
		}
	}

	// The listener must still accept after repeated probes
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Listener no longer accepting after probes: %v", err)
	}
	_ = conn.Close()
}

func TestEnsureServerReadyEmptyCommand(t *testing.T) {
	_, err := EnsureServerReady(context.Background(), nil, "", "127.0.0.1", freePort(t), time.Millisecond, 1)
	if err == nil {
		t.Fatal("Expected error for empty command")
	}
}

func TestStopAfterSignalContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to open listener: %v", err)
	}
	defer func() { _ = l.Close() }()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	port := l.Addr().(*net.TCPAddr).Port

	// Operator shutdown cancels the launch context; the child must still
	// see SIGTERM and get the chance to exit cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc, err := EnsureServerReady(ctx, shCommand("trap 'exit 0' TERM; sleep 30 & wait"), "", "127.0.0.1", port, 25*time.Millisecond, 500)
	if err != nil {
		t.Fatalf("EnsureServerReady failed: %v", err)
	}

	// Give the shell a beat to install its trap before the TERM arrives
	time.Sleep(100 * time.Millisecond)
	cancel()
	proc.Stop(2 * time.Second)

	code, exited := proc.ExitCode()
	if !exited {
		t.Fatal("Expected process to have exited after Stop")
	}
	if code != 0 {
		t.Errorf("Expected graceful exit code 0, got %d", code)
	}
}

func TestProcessStopGraceful(t *testing.T) {
	port := freePort(t)

	// The trap makes the child exit promptly on SIGTERM
	go func() {
		time.Sleep(50 * time.Millisecond)
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			time.Sleep(2 * time.Second)
			_ = l.Close()
		}
	}()

	proc, err := EnsureServerReady(context.Background(), shCommand("trap 'exit 0' TERM; sleep 30 & wait"), "", "127.0.0.1", port, 25*time.Millisecond, 500)
	if err != nil {
		t.Fatalf("EnsureServerReady failed: %v", err)
	}

	proc.Stop(2 * time.Second)
	if proc.Alive() {
		t.Error("Expected process to be stopped")
	}
	if _, exited := proc.ExitCode(); !exited {
		t.Error("Expected exit code to be observable after Stop")
	}
}
