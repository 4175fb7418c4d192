// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/infra/process"
)

const (
	// DefaultTimeout bounds non-streaming invocations. Streaming ones
	// (up, pull, logs --follow) are unbounded; their output is passed
	// through live and the underlying tool owns termination.
	DefaultTimeout = 30 * time.Second

	// DefaultRetries is the retry budget for transient failures.
	// Re-attempts are immediate, no backoff; retry timing is part of the
	// observed apply latency contract.
	DefaultRetries = 2

	// NoRetries disables retrying entirely. The zero value of
	// TransportConfig.Retries means DefaultRetries, so opting out has to
	// be explicit.
	NoRetries = -1
)

// TransportConfig locates the compose tool and the documents it operates
// on.
type TransportConfig struct {
	// Bin is the container CLI, e.g. "docker" or "podman-compose".
	Bin string
	// Subcommand is the compose subcommand split into args, e.g.
	// ["compose"]; empty for tools that are compose-native.
	Subcommand []string
	// WorkDir is the state root the tool runs in.
	WorkDir string
	// EnvFile is passed via --env-file.
	EnvFile string
	// ComposeFile is passed via -f.
	ComposeFile string
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// Retries overrides DefaultRetries when positive; NoRetries
	// disables retrying. Zero keeps the default.
	Retries int
}

// Transport builds and executes compose-tool invocations with timeout,
// failure classification, and transient-failure retry.
type Transport struct {
	cfg     TransportConfig
	runner  process.Manager
	logger  *slog.Logger
	timeout time.Duration
	retries int

	// onRetry is observed by telemetry; nil is fine.
	onRetry func()
}

// NewTransport wires a transport over the given spawner.
func NewTransport(runner process.Manager, cfg TransportConfig, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{cfg: cfg, runner: runner, logger: logger, timeout: DefaultTimeout, retries: DefaultRetries}
	if cfg.Timeout > 0 {
		t.timeout = cfg.Timeout
	}
	switch {
	case cfg.Retries > 0:
		t.retries = cfg.Retries
	case cfg.Retries < 0:
		t.retries = 0
	}
	return t
}

// SetRetryObserver registers a callback fired once per retry attempt.
func (t *Transport) SetRetryObserver(fn func()) { t.onRetry = fn }

// RunOptions tune a single invocation.
type RunOptions struct {
	// Streaming disables the timeout and copies combined output to
	// Output as it is produced.
	Streaming bool
	Output    io.Writer
	// ComposeFile overrides the configured -f path, used to validate a
	// staged document before it is promoted.
	ComposeFile string
	// Timeout overrides the transport default for this call.
	Timeout time.Duration
}

// Run executes one compose-tool action.
//
// # Description
//
// The command line is always <bin> <subcommand...> --env-file <path>
// -f <composeFile> <args...>. On failure, stderr is matched against an
// ordered pattern table and the result is a *CommandError; only
// daemon_unreachable and image_pull_failed are re-attempted, immediately
// and at most t.retries times. A timeout is terminal on first occurrence.
//
// # Outputs
//   - *process.Result: nil for streaming invocations
//   - error: *CommandError on tool failure, context errors otherwise
func (t *Transport) Run(ctx context.Context, opts RunOptions, args ...string) (*process.Result, error) {
	argv := t.argv(opts.ComposeFile, args)

	attempts := t.retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t.logger.Warn("retrying compose invocation",
				"attempt", attempt+1, "args", strings.Join(args, " "), "error", lastErr)
			if t.onRetry != nil {
				t.onRetry()
			}
		}
		res, err := t.runOnce(ctx, opts, argv)
		if err == nil {
			return res, nil
		}
		lastErr = err
		var ce *CommandError
		if !errors.As(err, &ce) || !ce.Retryable() {
			return res, err
		}
	}
	return nil, lastErr
}

func (t *Transport) runOnce(ctx context.Context, opts RunOptions, argv []string) (*process.Result, error) {
	if opts.Streaming {
		out := opts.Output
		if out == nil {
			out = io.Discard
		}
		err := t.runner.RunStreaming(ctx, t.cfg.WorkDir, out, nil, t.cfg.Bin, argv...)
		if err != nil {
			return nil, t.classifyErr(argv, nil, err)
		}
		return nil, nil
	}

	timeout := t.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := t.runner.Run(runCtx, t.cfg.WorkDir, nil, t.cfg.Bin, argv...)
	if err != nil {
		return res, t.classifyErr(argv, res, err)
	}
	return res, nil
}

// argv assembles the full argument vector after the binary name.
func (t *Transport) argv(composeFileOverride string, args []string) []string {
	composeFile := t.cfg.ComposeFile
	if composeFileOverride != "" {
		composeFile = composeFileOverride
	}
	argv := append([]string(nil), t.cfg.Subcommand...)
	argv = append(argv, "--env-file", t.cfg.EnvFile, "-f", composeFile)
	return append(argv, args...)
}

// classifyErr turns a raw spawn or exit failure into a *CommandError.
func (t *Transport) classifyErr(argv []string, res *process.Result, err error) error {
	ce := &CommandError{Args: argv}
	if res != nil {
		ce.Stderr = res.Stderr
		ce.ExitCode = res.ExitCode
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ce.Code = CodeTimeout
	case res == nil || res.Stderr == "":
		ce.Code = classifyStderr(err.Error())
	default:
		ce.Code = classifyStderr(res.Stderr)
	}
	t.logger.Debug("compose invocation failed",
		"code", string(ce.Code), "exit", ce.ExitCode, "stderr", firstLine(ce.Stderr))
	return ce
}

// stderrPatterns is ordered; the first matching class wins. Matching is
// case-insensitive substring search over the whole stderr stream.
var stderrPatterns = []struct {
	code     Code
	patterns []string
}{
	{CodeDaemonUnreachable, []string{
		"cannot connect to the docker daemon",
		"is the docker daemon running",
		"error during connect",
		"daemon is not running",
		"connection refused",
		"no such file or directory, connect",
	}},
	{CodeImagePullFailed, []string{
		"pull access denied",
		"manifest unknown",
		"manifest for",
		"no such image",
		"error pulling image",
		"failed to resolve reference",
		"toomanyrequests",
	}},
	{CodePermissionDenied, []string{
		"permission denied",
		"access is denied",
		"operation not permitted",
	}},
	{CodeInvalidCompose, []string{
		"yaml:",
		"invalid compose",
		"unsupported config option",
		"additional properties",
		"validating",
		"services must be a mapping",
	}},
}

func classifyStderr(stderr string) Code {
	lower := strings.ToLower(stderr)
	for _, entry := range stderrPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(lower, p) {
				return entry.code
			}
		}
	}
	return CodeUnknown
}

// ValidateConfig asks the tool itself to validate a compose document,
// without touching any container. A failure is surfaced as
// CodeInvalidCompose unless the tool could not run at all.
func (t *Transport) ValidateConfig(ctx context.Context, composeFile string) error {
	_, err := t.Run(ctx, RunOptions{ComposeFile: composeFile}, "config", "--quiet")
	if err == nil {
		return nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.Code == CodeUnknown {
		// The tool rejected the document without a recognizable message;
		// a config check failing is an invalid document by definition.
		ce.Code = CodeInvalidCompose
	}
	return err
}

// ConfiguredServices returns the service names the tool itself sees in
// the active compose document.
func (t *Transport) ConfiguredServices(ctx context.Context) ([]string, error) {
	res, err := t.Run(ctx, RunOptions{}, "config", "--services")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
