package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"
)

// maxLineSize caps a single stdout line. A longer line ends the
// connection with ErrLineTooLong.
const maxLineSize = 1 << 20

// process owns the OS-level pieces of one MCP server: the child, its
// pipes, and the goroutines that service them. It deliberately holds
// no reference to the Conn that wraps it, so the Conn can become
// unreachable (and trigger its cleanup) while these goroutines run.
type process struct {
	cmd    *exec.Cmd
	pid    int
	logger *slog.Logger

	stdin  *os.File
	stdout *os.File

	// lines carries raw stdout lines from readLoop. It is closed when
	// the reader exits; readErr is valid after that.
	lines   chan []byte
	readErr error

	exited  chan struct{}
	waitErr error

	done     chan struct{}
	stopOnce sync.Once
}

// buildEnv merges the current environment with overrides and the server's
// own env, in that order. Later entries win (exec keeps the last value for
// a duplicated key). Empty values are skipped.
func buildEnv(base []string, overrides, serverEnv map[string]string) (env []string, keys []string) {
	env = append([]string(nil), base...)
	for _, m := range []map[string]string{overrides, serverEnv} {
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			if m[k] == "" {
				continue
			}
			env = append(env, k+"="+m[k])
			keys = append(keys, k)
		}
	}
	return env, keys
}

// startProcess launches the server with stdin/stdout/stderr connected to
// pipes the parent owns outright. Using os.Pipe rather than
// cmd.StdoutPipe keeps cmd.Wait from closing stdout underneath the
// reader, so output written just before exit is never lost.
func startProcess(cfg ServerConfig, env []string, logger *slog.Logger) (*process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = env
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()

	// The child holds its own copies of these ends now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	if startErr != nil {
		stdinW.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, startErr
	}

	p := &process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		logger: logger,
		stdin:  stdinW,
		stdout: stdoutR,
		lines:  make(chan []byte, 16),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go p.readLoop()
	go p.drainStderr(stderrR)
	go p.wait()

	return p, nil
}

// readLoop is the single reader of stdout. Every line, including blank
// ones, is forwarded so the exchange logic can judge it.
func (p *process) readLoop() {
	defer close(p.lines)

	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case p.lines <- bytes.Clone(scanner.Bytes()):
		case <-p.done:
			p.readErr = ErrClosed
			return
		}
	}

	switch err := scanner.Err(); {
	case err == nil, errors.Is(err, os.ErrClosed):
		p.readErr = ErrClosed
	case errors.Is(err, bufio.ErrTooLong):
		p.readErr = fmt.Errorf("%w: limit is %d bytes", ErrLineTooLong, maxLineSize)
		p.abandon("oversized stdout line", err)
	default:
		p.readErr = err
	}
}

// drainStderr reads stderr lines and logs them at debug level. The
// content is never interpreted.
func (p *process) drainStderr(r *os.File) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("MCP server stderr", "line", scanner.Text())
	}
}

// wait reaps the child so liveness can be checked without blocking.
func (p *process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
	p.logger.Debug("MCP server process exited", "pid", p.pid, "error", p.waitErr)
}

// alive reports whether the child is still running. It never blocks.
func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// write sends one newline-terminated message to stdin. A context
// deadline bounds the write, so a server that stops reading cannot
// wedge the caller on a full pipe. A write cut short after some bytes
// went out leaves a fragment in the pipe, so the process is killed.
func (p *process) write(ctx context.Context, data []byte) error {
	if p.stopped() {
		return ErrClosed
	}

	deadline, _ := ctx.Deadline()
	if err := p.stdin.SetWriteDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		if p.stopped() {
			return ErrClosed
		}
		return fmt.Errorf("set write deadline: %w", err)
	}

	n, err := p.stdin.Write(append(data, '\n'))
	if err == nil {
		return nil
	}
	if p.stopped() || errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
		return ErrClosed
	}
	if n > 0 {
		p.abandon("partial write to stdin", err)
	}
	return fmt.Errorf("write to stdin: %w", err)
}

// readLine returns the next stdout line, or an error once the stream
// has ended or ctx is done.
func (p *process) readLine(ctx context.Context) ([]byte, error) {
	select {
	case line, ok := <-p.lines:
		if !ok {
			return nil, p.readErr
		}
		return line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// kill closes stdin and sends SIGKILL without waiting for the child to
// exit. It is safe to call repeatedly and from any goroutine; a child
// that has already exited is not an error.
func (p *process) kill() error {
	p.stopOnce.Do(func() {
		close(p.done)
		p.stdin.Close()
	})

	if !p.alive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return &KillError{PID: p.pid, Err: err}
	}
	return nil
}

func (p *process) stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// abandon kills the child once its pipes no longer line up with the
// exchange protocol.
func (p *process) abandon(reason string, err error) {
	p.logger.Warn("MCP server stream unusable, killing process", "pid", p.pid, "reason", reason, "error", err)
	if kerr := p.kill(); kerr != nil {
		p.logger.Warn("failed to kill MCP server", "pid", p.pid, "error", kerr)
	}
}

// release is the cleanup attached to a Conn. It runs when the last
// reference to the Conn is dropped and kills the child regardless of
// whether Kill was already called.
func (p *process) release() {
	if err := p.kill(); err != nil {
		p.logger.Warn("failed to kill released MCP server", "pid", p.pid, "error", err)
		return
	}
	// Give the stdout reader a moment to observe EOF before the
	// descriptor goes away.
	time.AfterFunc(time.Second, func() { p.stdout.Close() })
}
