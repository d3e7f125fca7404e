package agent

import (
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// Process is one running game-server process.
type Process interface {
	PID() int
	// Terminate asks the process group to exit (SIGTERM).
	Terminate() error
	// Kill ends the process group immediately (SIGKILL).
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// CommandRunner launches game-server processes. Production uses the
// exec-backed runner; tests substitute a fake.
type CommandRunner interface {
	Start(bin string, args []string) (Process, error)
}

type execRunner struct {
	logger *zap.Logger
}

// NewExecRunner returns the CommandRunner used outside tests.
func NewExecRunner(logger *zap.Logger) CommandRunner {
	return &execRunner{logger: logger}
}

func (r *execRunner) Start(bin string, args []string) (Process, error) {
	cmd := exec.Command(bin, args...)

	// Own process group so Terminate/Kill reach grandchildren too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	p := &execProcess{cmd: cmd, doneCh: make(chan struct{}), logger: r.logger}
	go p.forwardLogs("stdout", stdout)
	go p.forwardLogs("stderr", stderr)
	go p.waitForExit()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	doneCh chan struct{}
	logger *zap.Logger
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig syscall.Signal) error {
	pid := p.PID()
	if pid <= 0 {
		return fmt.Errorf("process not started")
	}
	return syscall.Kill(-pid, sig)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.doneCh
}

func (p *execProcess) waitForExit() {
	defer close(p.doneCh)

	err := p.cmd.Wait()
	p.logger.Info("game process exited",
		zap.Int("pid", p.PID()),
		zap.Int("exit_code", p.cmd.ProcessState.ExitCode()),
		zap.Error(err))
}

func (p *execProcess) forwardLogs(stream string, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.logger.Debug("game output",
				zap.Int("pid", p.PID()),
				zap.String("stream", stream),
				zap.ByteString("data", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}
