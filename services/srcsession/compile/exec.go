// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/AleutianAI/srcsession/services/srcsession/config"
	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

// =============================================================================
// EXEC RUNNER
// =============================================================================

const (
	// DefaultMaxOutput bounds the captured runner output (1MB).
	DefaultMaxOutput = 1024 * 1024

	// waitDelay bounds how long output pipes may stay open after the runner
	// process exits or is killed.
	waitDelay = 2 * time.Second
)

// TemplateSource looks up compile command templates by name.
// *config.CompileRegistry satisfies it.
type TemplateSource interface {
	Template(name string) (string, bool)
}

// ExecConfig configures an ExecRunner.
type ExecConfig struct {
	// Argv is the runner command; the expanded compile command is appended
	// as the final argument, e.g. ["ssh", "ibmi", "system"].
	Argv []string

	// Timeout bounds one compile. Zero means no timeout.
	Timeout time.Duration

	// MaxOutput bounds captured stdout plus stderr. Zero uses DefaultMaxOutput.
	MaxOutput int

	// WorkDir is the runner's working directory.
	WorkDir string
}

// ExecRunner runs compiles by starting a local process that forwards the
// expanded command to the remote host.
//
// Thread Safety: Safe for concurrent use. Each compile creates its own process.
type ExecRunner struct {
	templates TemplateSource
	cfg       ExecConfig
	logger    *slog.Logger
}

// NewExecRunner creates a runner.
//
// Inputs:
//
//	templates - Command template lookup.
//	cfg - Runner command and limits.
//	logger - Logger for structured logging (nil uses slog.Default).
//
// Outputs:
//
//	*ExecRunner - Configured runner.
//	error - ErrNoRunner when cfg.Argv is empty.
func NewExecRunner(templates TemplateSource, cfg ExecConfig, logger *slog.Logger) (*ExecRunner, error) {
	if len(cfg.Argv) == 0 || cfg.Argv[0] == "" {
		return nil, ErrNoRunner
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{templates: templates, cfg: cfg, logger: logger}, nil
}

// CommandLine returns the expanded command that RunCompile would send.
func (r *ExecRunner) CommandLine(id identity.Identity, command string) (string, error) {
	tmpl, ok := r.templates.Template(command)
	if !ok {
		return "", fmt.Errorf("%w: %s", config.ErrUnknownCommand, command)
	}
	return Expand(tmpl, id), nil
}

// RunCompile expands command for id and runs it.
//
// Description:
//
//	Exit status 0 is StatusSuccess. A non-zero exit is StatusFailure with
//	diagnostics parsed from the output and a nil error. An unknown command,
//	a process that cannot be started, or a timeout is returned as an error.
//
// Outputs:
//
//	Result - Exit code, output and diagnostics.
//	error - Non-nil when the compile could not be run.
func (r *ExecRunner) RunCompile(ctx context.Context, id identity.Identity, command string) (Result, error) {
	line, err := r.CommandLine(id, command)
	if err != nil {
		return Result{}, err
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), r.cfg.Argv[1:]...), line)
	cmd := exec.CommandContext(ctx, r.cfg.Argv[0], args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.WaitDelay = waitDelay

	// One limit is shared by both streams.
	var out bytes.Buffer
	lw := &limitedWriter{w: &out, limit: r.cfg.MaxOutput}
	cmd.Stdout = lw
	cmd.Stderr = lw

	r.logger.Debug("Executing compile",
		slog.String("identity_key", id.Key()),
		slog.String("command", command),
		slog.String("command_line", line))

	runErr := cmd.Run()

	res := Result{
		Output:    out.String(),
		Truncated: lw.truncated,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && r.cfg.Timeout > 0 {
		return res, fmt.Errorf("%w after %s", ErrRunnerTimeout, r.cfg.Timeout)
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.Status = StatusSuccess
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Status = StatusFailure
		res.Err = fmt.Errorf("%w: exit code %d", ErrCompileFailed, res.ExitCode)
	default:
		return res, fmt.Errorf("starting compile runner: %w", runErr)
	}

	res.Diagnostics = ParseDiagnostics(res.Output)
	if res.Status == StatusSuccess && res.HasErrors() {
		res.Status = StatusFailure
		res.Err = fmt.Errorf("%w: error diagnostics reported", ErrCompileFailed)
	}
	return res, nil
}

// =============================================================================
// LIMITED WRITER
// =============================================================================

// limitedWriter wraps a writer with a size limit. Excess bytes are
// discarded and reported as written.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return n, nil
	}

	if remaining := lw.limit - lw.written; len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}

	written, err := lw.w.Write(p)
	lw.written += written
	return n, err
}
