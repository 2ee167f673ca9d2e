// Package engine runs the external encoder, segmenter and prober processes.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/amillerrr/vod-packager/internal/metrics"
	"github.com/amillerrr/vod-packager/pkg/models"
)

// StderrTailBytes bounds the diagnostic output kept per invocation.
const StderrTailBytes = 4 << 10

// DefaultKillGrace applies when KillGrace is not positive.
const DefaultKillGrace = 10 * time.Second

var tracer = otel.Tracer("vod-engine")

// Command is one external tool invocation.
type Command struct {
	// Tool is a short label used in logs, metrics and errors ("transcode", "segment", ...).
	Tool string
	Path string
	Args []string
}

// ExitResult is what a finished process reported.
type ExitResult struct {
	ExitCode   int
	Stdout     []byte
	StderrTail string
	Duration   time.Duration
}

// Runner runs external tools. A non-zero exit is returned in ExitResult with
// a nil error; the error is reserved for processes that could not start or
// were stopped by cancellation or timeout.
type Runner interface {
	Run(ctx context.Context, cmd Command) (ExitResult, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// Timeout bounds each invocation. Zero means no limit.
	Timeout time.Duration
	// KillGrace is how long a process has to exit after SIGTERM before it is
	// killed. A process is always killed eventually.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(timeout, killGrace time.Duration, logger *slog.Logger) *ExecRunner {
	return &ExecRunner{
		Timeout:   timeout,
		KillGrace: killGrace,
		Logger:    logger,
	}
}

func (r *ExecRunner) killGrace() time.Duration {
	if r.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return r.KillGrace
}

// Run starts c and waits for it to exit.
func (r *ExecRunner) Run(ctx context.Context, c Command) (ExitResult, error) {
	ctx, span := tracer.Start(ctx, "tool-"+c.Tool)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", c.Tool),
		attribute.String("tool.path", c.Path),
	)

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace()

	var stdout bytes.Buffer
	tail := newTailBuffer(StderrTailBytes)
	lines := newLineLogger(ctx, r.Logger.With("tool", c.Tool))
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(tail, lines)

	r.Logger.DebugContext(ctx, "Starting tool", "tool", c.Tool, "args", c.Args)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.RecordTool(c.Tool, "start_error", 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "start failed")
		return ExitResult{ExitCode: -1}, &models.ToolError{
			Tool:       c.Tool,
			ExitCode:   -1,
			StderrTail: err.Error(),
		}
	}

	waitErr := cmd.Wait()
	lines.Flush()

	res := ExitResult{
		ExitCode:   cmd.ProcessState.ExitCode(),
		Stdout:     stdout.Bytes(),
		StderrTail: tail.String(),
		Duration:   time.Since(start),
	}
	span.SetAttributes(attribute.Int("tool.exit_code", res.ExitCode))

	switch {
	case ctx.Err() != nil:
		metrics.RecordTool(c.Tool, "canceled", res.Duration.Seconds())
		span.SetStatus(codes.Error, "canceled")
		return res, fmt.Errorf("%s: %w", c.Tool, ctx.Err())

	case runCtx.Err() != nil:
		metrics.RecordTool(c.Tool, "timeout", res.Duration.Seconds())
		span.SetStatus(codes.Error, "timeout")
		r.Logger.WarnContext(ctx, "Tool timed out", "tool", c.Tool, "timeout", r.Timeout)
		return res, &models.ToolError{
			Tool:       c.Tool,
			ExitCode:   res.ExitCode,
			StderrTail: res.StderrTail,
			TimedOut:   true,
		}
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		metrics.RecordTool(c.Tool, "wait_error", res.Duration.Seconds())
		span.RecordError(waitErr)
		return res, &models.ToolError{
			Tool:       c.Tool,
			ExitCode:   res.ExitCode,
			StderrTail: waitErr.Error(),
		}
	}

	result := "ok"
	if res.ExitCode != 0 {
		result = "exit_nonzero"
		span.SetStatus(codes.Error, "non-zero exit")
	}
	metrics.RecordTool(c.Tool, result, res.Duration.Seconds())

	r.Logger.DebugContext(ctx, "Tool finished",
		"tool", c.Tool,
		"exitCode", res.ExitCode,
		"durationMs", res.Duration.Milliseconds(),
	)
	return res, nil
}
