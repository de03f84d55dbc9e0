package toolclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const defaultStopGrace = 5 * time.Second

// Process manages the lifecycle of a tool server subprocess.
type Process struct {
	mu     sync.Mutex
	desc   Descriptor
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	exited chan struct{}
	logger *slog.Logger
}

// NewProcess creates a process handle without starting it.
func NewProcess(desc Descriptor, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{desc: desc, logger: logger.With("server", desc.Name)}
}

// Start launches the server and returns its stdout. The process is not bound
// to ctx: it lives until Stop.
func (p *Process) Start(ctx context.Context) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.desc.Command == "" {
		return nil, errors.New("no command configured")
	}

	cmd := exec.Command(p.desc.Command, p.desc.Args...)
	cmd.Env = p.desc.Environ(os.LookupEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// cmd.Wait closes readers made by StdoutPipe/StderrPipe as soon as the
	// child exits. The parent owns these read ends so frames written just
	// before exit stay readable until EOF.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeFiles(stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeFiles(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("start %s: %w", p.desc.Command, err)
	}
	// The child holds its own copies of the write ends.
	closeFiles(stdoutW, stderrW)

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdoutR
	p.exited = make(chan struct{})

	go p.drainStderr(stderrR)
	go func() {
		err := cmd.Wait()
		p.logger.Debug("tool server exited", "error", err)
		close(p.exited)
	}()

	p.logger.Info("tool server started", "command", p.desc.Command, "pid", cmd.Process.Pid)
	return stdoutR, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (p *Process) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("tool server stderr", "line", scanner.Text())
	}
}

// Stdin returns the writer connected to the server's standard input.
func (p *Process) Stdin() io.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// Stop closes stdin and waits for the process to exit. If it doesn't exit
// within the grace period it is interrupted, then killed. Stop returns once
// the process has been reaped.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	cmd := p.cmd
	stdin := p.stdin
	stdout := p.stdout
	exited := p.exited
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	// A grandchild may still hold the write end; closing ours unblocks
	// the reader once the server itself is gone.
	defer func() { _ = stdout.Close() }()
	if stdin != nil {
		_ = stdin.Close()
	}

	select {
	case <-exited:
		return nil
	case <-time.After(grace / 2):
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Warn("interrupt failed, killing", "error", err)
		return p.kill(cmd, exited)
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace / 2):
		p.logger.Warn("tool server did not exit, killing", "grace", grace)
		return p.kill(cmd, exited)
	}
}

func (p *Process) kill(cmd *exec.Cmd, exited <-chan struct{}) error {
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-exited
	return nil
}

// Exited returns a channel that is closed when the process exits.
func (p *Process) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Running reports whether the process is still alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited == nil {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// StdioDialer spawns tool servers as child processes and speaks the protocol
// over their standard streams.
type StdioDialer struct {
	StopGrace time.Duration
	Logger    *slog.Logger
}

// Dial implements Dialer.
func (d StdioDialer) Dial(ctx context.Context, desc Descriptor) (Transport, error) {
	grace := d.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	proc := NewProcess(desc, logger)
	stdout, err := proc.Start(ctx)
	if err != nil {
		return nil, err
	}
	closer := func() error { return proc.Stop(grace) }
	return NewStreamTransport(stdout, proc.Stdin(), closer, logger.With("server", desc.Name)), nil
}
