// Package proc runs recognizer CLI binaries with a hard timeout. The child is
// started in its own process group so a timeout kills the whole tree (model
// loaders often fork helpers).
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrTimeout is returned when the subprocess outlives its timeout.
var ErrTimeout = errors.New("proc: timed out")

// Command describes one subprocess invocation.
type Command struct {
	Path    string
	Args    []string
	Env     []string // appended to the parent environment when non-nil
	Timeout time.Duration
}

// Run starts c, waits for it and returns its stdout. A non-zero exit is
// reported with the last line of stderr.
func Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if c.Env != nil {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start %s: %w", c.Path, err)
	}

	var mu sync.Mutex
	var reason error
	kill := func(why error) {
		mu.Lock()
		if reason == nil {
			reason = why
		}
		mu.Unlock()
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var timer *time.Timer
	if c.Timeout > 0 {
		timer = time.AfterFunc(c.Timeout, func() {
			kill(fmt.Errorf("%w after %s", ErrTimeout, c.Timeout))
		})
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			kill(ctx.Err())
		case <-done:
		}
	}()

	err := cmd.Wait()
	close(done)
	if timer != nil {
		timer.Stop()
	}

	mu.Lock()
	killedBy := reason
	mu.Unlock()
	if killedBy != nil {
		return nil, fmt.Errorf("proc: %s: %w", c.Path, killedBy)
	}
	if err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return nil, fmt.Errorf("proc: %s: %w: %s", c.Path, err, msg)
		}
		return nil, fmt.Errorf("proc: %s: %w", c.Path, err)
	}
	return stdout.Bytes(), nil
}

// Probe runs the binary with args and reports whether it could execute at
// all; a non-zero exit still counts as available.
func Probe(ctx context.Context, path string, args ...string) (time.Duration, error) {
	start := time.Now()
	_, err := Run(ctx, Command{Path: path, Args: args, Timeout: 10 * time.Second})
	latency := time.Since(start)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return latency, err
	}
	return latency, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
