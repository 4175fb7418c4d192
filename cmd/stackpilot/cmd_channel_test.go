// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"strings"
	"testing"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

func TestChannelTemplate(t *testing.T) {
	spec := stackspec.DefaultSpec()
	spec.Channels["custom"] = stackspec.ChannelSpec{Image: "example/custom:1", ContainerPort: 9000}

	tests := []struct {
		name      string
		channel   string
		template  string
		wantImage string
		wantTpl   string
		wantErr   string
	}{
		{"existing block wins", "custom", "", "example/custom:1", "", ""},
		{"exact catalog entry", "slack", "", "aleutianai/stackpilot-channel-slack:1", "", ""},
		{"numbered multi-instance", "webhook-2", "", "aleutianai/stackpilot-channel-webhook:1", "webhook", ""},
		{"numbered single-instance rejected", "slack-2", "", "", "", "does not support multiple instances"},
		{"explicit template", "hooks-ops", "webhook", "aleutianai/stackpilot-channel-webhook:1", "webhook", ""},
		{"explicit single-instance template rejected", "slack-ops", "slack", "", "", "does not support multiple instances"},
		{"unknown template name", "x", "nope", "", "", "unknown catalog template"},
		{"unknown channel gets empty block", "matrix", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := channelTemplate(spec, tt.channel, tt.template)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("channelTemplate() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("channelTemplate() error: %v", err)
			}
			if ch.Image != tt.wantImage {
				t.Errorf("Image = %q, want %q", ch.Image, tt.wantImage)
			}
			if ch.Template != tt.wantTpl {
				t.Errorf("Template = %q, want %q", ch.Template, tt.wantTpl)
			}
		})
	}
}

func TestChannelTemplateClonesCatalogConfig(t *testing.T) {
	spec := stackspec.DefaultSpec()
	ch, err := channelTemplate(spec, "slack", "")
	if err != nil {
		t.Fatalf("channelTemplate() error: %v", err)
	}
	ch.Config["bot_token"] = "mutated"
	if channelCatalog["slack"].Config["bot_token"] == "mutated" {
		t.Error("catalog template config mutated through instance")
	}
}

func TestReadSecretStdin(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain line", "hunter2\n", "hunter2", false},
		{"no trailing newline", "hunter2", "hunter2", false},
		{"crlf stripped", "hunter2\r\n", "hunter2", false},
		{"only first line", "first\nsecond\n", "first", false},
		{"empty input", "", "", true},
		{"blank line", "\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readSecretStdin(strings.NewReader(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readSecretStdin() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("value = %q, want %q", got, tt.want)
			}
		})
	}
}
