package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/jcawthorne/attache/internal/ipc"
	"github.com/jcawthorne/attache/internal/protocol"
)

// runOneShot spawns a fresh sandbox process for the execution, writes the job
// input over the channel, and waits for exit or deadline. The process and its
// channel directory are always torn down afterward.
func (s *Supervisor) runOneShot(ctx context.Context, input *protocol.JobInput) (*Result, error) {
	if len(s.cfg.Command) == 0 {
		return nil, fmt.Errorf("sandbox command is not configured")
	}

	ch, err := ipc.Open(s.cfg.IPCRoot, "exec-"+input.ExecutionID)
	if err != nil {
		return nil, fmt.Errorf("open execution channel: %w", err)
	}
	defer func() { _ = ch.Remove() }()

	if err := ch.Send(protocol.KindJobInput, input.ExecutionID, input); err != nil {
		return nil, fmt.Errorf("write job input: %w", err)
	}

	deadline := s.cfg.Deadline
	if !input.DeadlineAt.IsZero() {
		if d := time.Until(input.DeadlineAt); d > 0 {
			deadline = d
		}
	}

	timeoutTimer := time.NewTimer(deadline)
	defer timeoutTimer.Stop()

	// Termination is managed by hand below, so no CommandContext.
	cmd := exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Env = append(os.Environ(),
		"ATTACHE_IPC_DIR="+ch.Dir(),
		"ATTACHE_EXECUTION_ID="+input.ExecutionID,
		"ATTACHE_MODE=oneshot",
	)

	stdout := newCappedBuffer(s.cfg.OutputLimit)
	stderr := newCappedBuffer(s.cfg.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := s.logger.With("execution_id", input.ExecutionID, "conversation", input.ConversationKey)
	logger.Debug("spawning sandbox", "deadline", deadline)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Info("execution cancelled, terminating sandbox")
		s.terminate(cmd, waitErr, logger)
		return nil, ctx.Err()

	case <-timeoutTimer.C:
		logger.Warn("execution deadline exceeded, terminating sandbox")
		s.terminate(cmd, waitErr, logger)
		return &Result{
			ExecutionID: input.ExecutionID,
			Status:      "error",
			ErrMsg:      fmt.Sprintf("execution timed out after %v", deadline),
			Retryable:   true,
			Stderr:      stderr.String(),
		}, ErrTimedOut

	case err := <-waitErr:
		exitCode := 0
		if err != nil {
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				return nil, fmt.Errorf("wait for sandbox process: %w", err)
			}
			exitCode = exitErr.ExitCode()
			logger.Warn("sandbox exited with non-zero status", "exit_code", exitCode)
		}

		res, raw, decodeErr := protocol.DecodeJobResultLenient(stdout.Reader())
		if decodeErr != nil {
			if exitCode != 0 {
				// The exit code already tells the story; report it rather than
				// the decode failure.
				return &Result{
					ExecutionID: input.ExecutionID,
					Status:      "error",
					ErrMsg:      fmt.Sprintf("sandbox exited with code %d", exitCode),
					Retryable:   true,
					ExitCode:    exitCode,
					Stderr:      stderr.String(),
				}, nil
			}
			logger.Error("failed to decode sandbox result", "error", decodeErr, "stdout", string(raw))
			return &Result{
				ExecutionID: input.ExecutionID,
				Status:      "error",
				ErrMsg:      fmt.Sprintf("malformed sandbox result: %v", decodeErr),
				Retryable:   false,
				ExitCode:    exitCode,
				Stderr:      stderr.String(),
			}, nil
		}

		return &Result{
			ExecutionID: input.ExecutionID,
			Status:      res.Status,
			Output:      res.Output,
			ErrMsg:      res.Error,
			Retryable:   res.ShouldRetry(),
			ExitCode:    exitCode,
			Stderr:      stderr.String(),
		}, nil
	}
}

// terminate enforces the SIGTERM -> grace period -> SIGKILL ladder and waits
// for the process to die.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitErr chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(s.cfg.Worker.GracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("sandbox exited after SIGTERM")
	case <-grace.C:
		logger.Warn("sandbox did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}
