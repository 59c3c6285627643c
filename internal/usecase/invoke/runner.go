package invoke

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"overseer/internal/domain"
)

// RunResult captures one external process attempt. ExitCode is only
// meaningful when the process ran to completion.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Runner executes one external command attempt. Implementations must kill
// the whole process tree on timeout: the agent binary spawns helpers that
// would otherwise outlive it.
type Runner interface {
	Run(ctx context.Context, argv []string, env []string, dir string, stdin string, timeout time.Duration) (RunResult, error)
}

// execRunner runs the command in its own process group so that a timeout
// kill reaches every descendant, not just the direct child.
type execRunner struct {
	logger *slog.Logger
}

// NewRunner returns the production Runner.
func NewRunner(logger *slog.Logger) Runner {
	return &execRunner{logger: logger}
}

func (r *execRunner) Run(ctx context.Context, argv []string, env []string, dir string, stdin string, timeout time.Duration) (RunResult, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return RunResult{}, domain.WrapOp("invoke.run", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if err != nil {
			return res, domain.WrapOp("invoke.run", err)
		}
		return res, nil

	case <-timer.C:
		r.killGroup(cmd)
		<-waitCh
		return RunResult{Stdout: stdout.String(), Stderr: stderr.String(), TimedOut: true}, nil

	case <-ctx.Done():
		r.killGroup(cmd)
		<-waitCh
		return RunResult{}, ctx.Err()
	}
}

// killGroup sends SIGKILL to the process group. The process was started
// with Setpgid, so -pid addresses the whole group.
func (r *execRunner) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		r.logger.Warn("process group kill failed, killing process directly",
			"pid", pid, "error", err)
		_ = cmd.Process.Kill()
	}
}
