// Package process runs agent CLIs as subprocesses wired over stdin/stdout.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentchat/internal/common/logger"
)

const stderrBufferSize = 50

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Spec describes a subprocess to launch.
type Spec struct {
	Args    []string
	WorkDir string
	Env     []string
}

// Process is a running agent subprocess.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *logger.Logger

	stderrMu sync.RWMutex
	stderr   []string

	stopOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

// Start launches the subprocess. The process is not tied to ctx: it lives until Stop.
func Start(ctx context.Context, spec Spec, log *logger.Logger) (*Process, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("no command configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe: Wait must not close the read side
	// while the protocol client is still draining it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Args[0], err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		logger: log.WithFields(zap.String("component", "agent-process"), zap.Int("pid", cmd.Process.Pid)),
		exited: make(chan struct{}),
	}
	go p.readStderr(stderrR)
	go p.waitForExit()

	p.logger.Info("agent process started",
		zap.Strings("args", spec.Args),
		zap.String("workdir", spec.WorkDir))
	return p, nil
}

// Stdin is the subprocess's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the subprocess's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Exited is closed when the subprocess has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr returns the exit error once Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.exitErr
	default:
		return nil
	}
}

// RecentStderr returns a copy of the last stderr lines, for error context.
func (p *Process) RecentStderr() []string {
	p.stderrMu.RLock()
	defer p.stderrMu.RUnlock()
	out := make([]string, len(p.stderr))
	copy(out, p.stderr)
	return out
}

// Describe renders the exit status with recent stderr for error messages.
func (p *Process) Describe() string {
	msg := "agent process exited"
	if err := p.ExitErr(); err != nil {
		msg = fmt.Sprintf("agent process exited: %v", err)
	}
	if lines := p.RecentStderr(); len(lines) > 0 {
		msg += ": " + strings.Join(lines, "; ")
	}
	return msg
}

// Stop closes stdin and waits up to grace for a clean exit. A process that
// ignores EOF gets SIGTERM, then after another grace period SIGKILL, both
// sent to its whole process group.
func (p *Process) Stop(grace time.Duration) {
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		if p.waitExit(grace) {
			return
		}

		pid := p.cmd.Process.Pid
		p.logger.Warn("agent process ignored stdin close, terminating")
		if err := signalGroup(pid, false); err == nil && p.waitExit(grace) {
			return
		}

		p.logger.Warn("force killing agent process")
		if err := signalGroup(pid, true); err != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.exited
	})
}

func (p *Process) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Process) readStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := ansiEscapeRegex.ReplaceAllString(scanner.Text(), "")
		p.logger.Debug("agent stderr", zap.String("line", line))

		p.stderrMu.Lock()
		if len(p.stderr) >= stderrBufferSize {
			p.stderr = p.stderr[1:]
		}
		p.stderr = append(p.stderr, line)
		p.stderrMu.Unlock()
	}
}

func (p *Process) waitForExit() {
	defer close(p.exited)
	p.exitErr = p.cmd.Wait()
	if p.exitErr != nil {
		p.logger.Info("agent process exited", zap.Error(p.exitErr), zap.Strings("recent_stderr", p.RecentStderr()))
		return
	}
	p.logger.Info("agent process exited")
}
