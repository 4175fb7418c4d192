// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"
	"testing"
)

// capture redirects the given stream through a pipe while fn runs and
// returns what was written. Test binaries run without a tty, so styled
// output falls back to the plain form.
func capture(t *testing.T, stream **os.File, fn func()) string {
	t.Helper()
	orig := *stream
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	*stream = w
	defer func() { *stream = orig }()

	fn()
	w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read pipe: %v", err)
	}
	return string(data)
}

func TestPlainFallbackStdout(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
		want string
	}{
		{"title", func() { Title("Applying stack") }, "Applying stack\n"},
		{"success", func() { Success("done") }, "OK: done\n"},
		{"info", func() { Info("note") }, "note\n"},
		{"muted", func() { Muted("detail") }, "detail\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := capture(t, &os.Stdout, tt.fn); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPlainFallbackStderr(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
		want string
	}{
		{"warning", func() { Warning("low disk") }, "WARN: low disk\n"},
		{"error", func() { Error("apply failed") }, "ERROR: apply failed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			// plain() keys off stdout, so redirect it too in case the
			// test binary is attached to a terminal.
			capture(t, &os.Stdout, func() {
				got = capture(t, &os.Stderr, tt.fn)
			})
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIconRender(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending, IconArrow} {
		if got := icon.Render(); !strings.Contains(got, string(icon)) {
			t.Errorf("Icon(%q).Render() = %q, want the glyph present", icon, got)
		}
	}
}
