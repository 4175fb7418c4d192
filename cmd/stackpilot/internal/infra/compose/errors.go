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
	"errors"
	"fmt"
	"strings"
)

// Code classifies a failed compose-tool invocation.
type Code string

const (
	// CodeDaemonUnreachable indicates the container daemon was not
	// reachable. Retryable.
	CodeDaemonUnreachable Code = "daemon_unreachable"

	// CodeImagePullFailed indicates an image could not be pulled.
	// Retryable; registries flake.
	CodeImagePullFailed Code = "image_pull_failed"

	// CodePermissionDenied indicates the daemon refused the caller.
	CodePermissionDenied Code = "permission_denied"

	// CodeInvalidCompose indicates the compose document was rejected.
	CodeInvalidCompose Code = "invalid_compose"

	// CodeTimeout indicates the invocation exceeded its deadline. Never
	// retried; the work may still be in flight inside the daemon.
	CodeTimeout Code = "timeout"

	// CodeUnknown is every failure the pattern table cannot place.
	CodeUnknown Code = "unknown"
)

// Domain-layer sentinels.
var (
	// ErrServiceNotAllowed indicates an action targeting a service
	// outside the allow-list.
	ErrServiceNotAllowed = errors.New("service_not_allowed")

	// ErrInvalidTail indicates a logs tail value outside [1, 5000].
	ErrInvalidTail = errors.New("invalid_tail")

	// ErrPsParseFailed indicates ps output that could not be decoded.
	ErrPsParseFailed = errors.New("compose_ps_parse_failed")
)

// CommandError is a classified compose-tool failure. The raw stderr is
// always carried so operator-facing errors are never a bare code.
type CommandError struct {
	Code     Code
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	detail := firstLine(e.Stderr)
	if detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, detail)
}

// Retryable reports whether the failure class is transient enough to
// retry immediately.
func (e *CommandError) Retryable() bool {
	return e.Code == CodeDaemonUnreachable || e.Code == CodeImagePullFailed
}

// CodeOf extracts the classification from err, or CodeUnknown when err is
// not a CommandError.
func CodeOf(err error) Code {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeUnknown
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
