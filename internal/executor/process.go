package executor

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/kaburi0214/amIBD/internal/domain"
)

// ProcessRunner runs stage units as external processes. Each process is placed
// in its own process group so cancellation reaches any children the tool
// spawns without touching other jobs.
type ProcessRunner struct {
	// KillDelay bounds how long a signalled process may linger before it is
	// killed outright.
	KillDelay time.Duration
}

func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{KillDelay: 10 * time.Second}
}

func (r *ProcessRunner) Run(ctx context.Context, unit domain.StageUnit) domain.UnitResult {
	result := domain.UnitResult{
		Stage:     unit.Stage,
		Unit:      unit.Key,
		StartedAt: time.Now().UTC(),
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, unit.Command[0], unit.Command[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = r.KillDelay

	err := cmd.Run()
	result.FinishedAt = time.Now().UTC()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	switch {
	case err == nil:
		result.ExitCode = 0
	case cmd.ProcessState != nil && cmd.ProcessState.ExitCode() >= 0:
		result.ExitCode = cmd.ProcessState.ExitCode()
	default:
		// Start failure or kill before exit status was collected.
		result.ExitCode = -1
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
	}
	return result
}
