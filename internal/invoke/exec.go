package invoke

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/gantry/internal/log"
)

const (
	// maxStderrBytes caps the stderr captured from a collaborator process.
	maxStderrBytes = 64 * 1024

	// defaultTimeout bounds invocations with no per-job timeout.
	defaultTimeout = 120 * time.Second

	// defaultGrace is the wait between SIGTERM and SIGKILL.
	defaultGrace = 5 * time.Second
)

// CollaboratorError is a failure reported by the collaborator itself, as
// opposed to a spawn or protocol failure.
type CollaboratorError struct {
	Uses    string
	Message string
	Stderr  string
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("collaborator %s failed: %s", e.Uses, e.Message)
}

// ExecInvoker invokes a collaborator by spawning an executable and speaking
// the JSON envelope protocol over stdin/stdout.
type ExecInvoker struct {
	Entrypoint string
	Grace      time.Duration // SIGTERM to SIGKILL interval, defaultGrace if zero
}

func NewExecInvoker(entrypoint string) *ExecInvoker {
	return &ExecInvoker{Entrypoint: entrypoint, Grace: defaultGrace}
}

// Invoke runs the collaborator process. Cancellation of ctx and expiry of
// the request timeout both terminate the process: SIGTERM first, SIGKILL
// after the grace period.
func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	grace := e.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	logger := log.WithJob(req.RunID, req.JobID).With("uses", req.Uses, "entrypoint", e.Entrypoint)

	env := &envelope{
		Protocol:   protocolVersion,
		RunID:      req.RunID,
		Job:        req.JobID,
		Uses:       req.Uses,
		Inputs:     req.Inputs,
		Secrets:    req.Secrets.Reveal(),
		DeadlineAt: time.Now().UTC().Add(timeout),
	}

	// Termination is managed here, not by CommandContext, so the grace
	// period applies on both the timeout and the cancellation path.
	cmd := exec.Command(e.Entrypoint)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Result{}, fmt.Errorf("create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning collaborator", "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start collaborator: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- encodeEnvelope(stdin, env)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		logger.Warn("invocation cancelled, terminating collaborator")
		e.terminate(cmd, waitErr, grace, logger)
		return Result{}, ctx.Err()

	case <-timer.C:
		logger.Warn("collaborator timed out, terminating", "timeout", timeout)
		e.terminate(cmd, waitErr, grace, logger)
		return Result{}, fmt.Errorf("collaborator %s: %w", req.Uses, context.DeadlineExceeded)

	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return Result{}, werr
		}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Warn("collaborator exited with non-zero status", "exit_code", exitErr.ExitCode())
			} else {
				return Result{}, fmt.Errorf("wait for collaborator: %w", err)
			}
		}

		r, derr := decodeReply(stdout.Bytes())
		if derr != nil {
			logger.Error("failed to decode collaborator response", "error", derr)
			return Result{}, fmt.Errorf("decode response: %w", derr)
		}
		if r.Status == "error" {
			return Result{}, &CollaboratorError{
				Uses:    req.Uses,
				Message: r.Error,
				Stderr:  truncateStderr(stderr.String()),
			}
		}
		return Result{Outputs: r.Outputs}, nil
	}
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs.
func (e *ExecInvoker) terminate(cmd *exec.Cmd, waitErr <-chan error, grace time.Duration, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-waitErr:
	case <-graceTimer.C:
		logger.Warn("collaborator did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
