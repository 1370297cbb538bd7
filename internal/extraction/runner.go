package extraction

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"
)

// Runner executes an external command. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec, logging through the logger carried by ctx
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	log := loggerFrom(ctx).With("engine", name)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	began := time.Now()
	err := cmd.Run()
	elapsed := time.Since(began)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Debug("engine pass finished", "elapsed", elapsed, "output_bytes", stdout.Len())
	case ctx.Err() != nil:
		log.Warn("engine pass interrupted", "elapsed", elapsed, "cause", ctx.Err())
	case errors.As(err, &exitErr):
		log.Error("engine pass failed", "elapsed", elapsed, "exit_code", exitErr.ExitCode(), "stderr_tail", tail(stderr.String(), 2<<10))
	default:
		log.Error("engine could not start", "error", err)
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

// tail keeps the last n bytes of s, where engines print the actual failure
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

type loggerKey struct{}

func withLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// loggerFrom returns the run logger stored by Extract, or the default logger
func loggerFrom(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return log
	}
	return slog.Default()
}
