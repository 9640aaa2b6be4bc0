// Package kernel wraps one interpreter shim subprocess: the pairing of a
// process handle with a parsed, correlated message channel.
//
// The shim speaks newline-delimited JSON. Requests go in on stdin, one
// object per line; messages come back on stdout, each tagged with the
// correlation id of the request that produced it. The shim announces
// readiness with a single hello message; a shim that stays silent past the
// startup timeout failed to start.
package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStartup marks kernel launch failures: the process could not be spawned
// or never produced its hello banner.
var ErrStartup = errors.New("kernel startup failed")

// ErrNotRunning is returned for requests against a dead or stopped kernel.
var ErrNotRunning = errors.New("kernel is not running")

const (
	// Single messages can carry whole encoded images.
	maxLineBytes     = 32 * 1024 * 1024
	initialLineBytes = 64 * 1024
)

// Proc is a running kernel shim process.
type Proc struct {
	command []string
	dir     string
	env     []string
	timeout time.Duration
	logger  *zap.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	msgs chan Message
	done chan struct{} // closed once the process has exited

	stopOnce sync.Once
}

// NewProc prepares (but does not start) a kernel process.
func NewProc(command []string, dir string, extraEnv []string, startupTimeout time.Duration, logger *zap.Logger) *Proc {
	return &Proc{
		command: command,
		dir:     dir,
		env:     extraEnv,
		timeout: startupTimeout,
		logger:  logger.Named("kernel"),
		msgs:    make(chan Message, 64),
		done:    make(chan struct{}),
	}
}

// Start launches the shim and waits for its hello banner. Startup failures
// are reported immediately; nothing is retried.
func (p *Proc) Start(ctx context.Context) error {
	if len(p.command) == 0 {
		return fmt.Errorf("%w: empty command", ErrStartup)
	}
	cmd := exec.Command(p.command[0], p.command[1:]...)
	if p.dir != "" {
		cmd.Dir = p.dir
	}
	env := os.Environ()
	// Keep interpreter output free of terminal decoration.
	env = append(env, "NO_COLOR=1", "TERM=dumb", "PYTHONUNBUFFERED=1")
	env = append(env, p.env...)
	cmd.Env = env
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrStartup, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrStartup, err)
	}
	cmd.Stderr = nil // shim diagnostics are not part of the protocol

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	p.cmd = cmd
	p.stdin = stdin

	go func() {
		err := cmd.Wait()
		p.logger.Info("kernel process exited", zap.Error(err))
		close(p.done)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, initialLineBytes), maxLineBytes)

	hello := make(chan error, 1)
	go func() {
		if !scanner.Scan() {
			hello <- fmt.Errorf("%w: kernel exited before hello", ErrStartup)
			return
		}
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil || m.Type != MsgHello {
			hello <- fmt.Errorf("%w: unexpected banner %q", ErrStartup, scanner.Text())
			return
		}
		hello <- nil
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case err := <-hello:
		if err != nil {
			p.kill()
			return err
		}
	case <-timer.C:
		p.kill()
		return fmt.Errorf("%w: no hello within %s", ErrStartup, p.timeout)
	case <-ctx.Done():
		p.kill()
		return fmt.Errorf("%w: %v", ErrStartup, ctx.Err())
	}

	p.logger.Info("kernel started", zap.Int("pid", cmd.Process.Pid), zap.Strings("command", p.command))
	go p.readLoop(scanner)
	return nil
}

// readLoop parses stdout lines into messages until the pipe closes. Closing
// p.msgs is the death signal consumers observe.
func (p *Proc) readLoop(scanner *bufio.Scanner) {
	defer close(p.msgs)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			p.logger.Warn("dropping unparsable kernel line", zap.Error(err))
			continue
		}
		p.msgs <- m
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("kernel stdout closed", zap.Error(err))
	}
}

// Messages returns the multiplexed message channel. It is closed when the
// kernel process dies or is stopped.
func (p *Proc) Messages() <-chan Message { return p.msgs }

// Done is closed once the process has exited.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Alive reports whether the process is still running.
func (p *Proc) Alive() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid returns the process id, or 0 before Start.
func (p *Proc) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Proc) send(req request) error {
	if !p.Alive() {
		return ErrNotRunning
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(data)
	return err
}

// Execute submits code for execution under the given correlation id. The
// call returns as soon as the request is written; results stream back on
// Messages.
func (p *Proc) Execute(id, code string) error {
	return p.send(request{ID: id, Op: opExecute, Code: code})
}

// Describe asks the kernel for a bounded description (type, shape, length)
// of one variable. The kernel side is allow-listed and never calls into an
// object's free-form repr from this path.
func (p *Proc) Describe(id, name string) error {
	return p.send(request{ID: id, Op: opDescribe, Name: name})
}

// Interrupt delivers a best-effort interrupt to the kernel's process group.
// The kernel may or may not acknowledge it.
func (p *Proc) Interrupt() error {
	if !p.Alive() {
		return ErrNotRunning
	}
	if err := interruptProcessGroup(p.Pid()); err != nil {
		return p.cmd.Process.Signal(os.Interrupt)
	}
	return nil
}

// Stop terminates the kernel: stdin close and SIGTERM first, SIGKILL once
// the context expires. It returns after the process has exited.
func (p *Proc) Stop(ctx context.Context) error {
	if p.cmd == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		p.writeMu.Lock()
		_ = p.stdin.Close()
		p.writeMu.Unlock()
		if err := terminateProcessGroup(p.Pid()); err != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.kill()
		<-p.done
		return nil
	}
}

func (p *Proc) kill() {
	if p.cmd == nil || p.cmd.Process == nil {
		return
	}
	if err := forceKillProcessGroup(p.Pid()); err != nil {
		_ = p.cmd.Process.Kill()
	}
}
