// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package render

import (
	"bytes"
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

func testSpec() *stackspec.StackSpec {
	return &stackspec.StackSpec{
		Version:     1,
		AccessScope: stackspec.ScopeHost,
		Channels: map[string]stackspec.ChannelSpec{
			"slack": {
				Enabled:         true,
				Image:           "example/slack-bridge:1",
				ContainerPort:   8080,
				HostPort:        9080,
				SharedSecretEnv: "SLACK_SHARED_SECRET",
				Config:          map[string]string{"bot_token": "${SLACK_BOT_TOKEN}"},
			},
			"discord": {
				Enabled: false,
				Image:   "example/discord-bridge:1",
				Config:  map[string]string{"token": "${DISCORD_TOKEN}"},
			},
		},
		Services: map[string]stackspec.ServiceSpec{
			"metrics": {
				Enabled:       true,
				Image:         "example/metrics:1",
				ContainerPort: 9100,
			},
		},
	}
}

func testSecrets() map[string]string {
	return map[string]string{
		"SLACK_BOT_TOKEN":       "xoxb-1",
		"GATEWAY_SHARED_SECRET": "shh",
		"GATEWAY_TOKEN":         "gt",
		"ADMIN_TOKEN":           "at",
		"DB_PASSWORD":           "dbp",
		"CACHE_PASSWORD":        "cp",
		"VECTORSTORE_API_KEY":   "vk",
		"ASSISTANT_API_KEY":     "ak",
	}
}

func TestRenderDeterminism(t *testing.T) {
	spec, secrets := testSpec(), testSecrets()
	first, err := Render(spec, secrets)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	second, err := Render(spec, secrets)
	if err != nil {
		t.Fatalf("Render() second call error: %v", err)
	}
	if len(first.Artifacts) != len(second.Artifacts) {
		t.Fatalf("artifact counts differ: %d vs %d", len(first.Artifacts), len(second.Artifacts))
	}
	for i := range first.Artifacts {
		a, b := first.Artifacts[i], second.Artifacts[i]
		if a.Path != b.Path {
			t.Fatalf("path order differs at %d: %q vs %q", i, a.Path, b.Path)
		}
		if !bytes.Equal(a.Data, b.Data) {
			t.Errorf("artifact %s is not byte-identical across renders", a.Path)
		}
	}
}

func TestRenderArtifactSet(t *testing.T) {
	res, err := Render(testSpec(), testSecrets())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	want := []string{
		"compose.yaml",
		"env/assistant.env",
		"env/cache.env",
		"env/channel-slack.env",
		"env/db.env",
		"env/gateway.env",
		"env/service-metrics.env",
		"env/system.env",
		"env/vectorstore.env",
		"proxy.json",
	}
	if got := res.Paths(); !slices.Equal(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}
	if a := res.Artifact("env/channel-discord.env"); a != nil {
		t.Error("disabled channel produced an env file")
	}
}

func TestRenderEnvFileContents(t *testing.T) {
	res, err := Render(testSpec(), testSecrets())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}

	t.Run("channel env resolves refs and shared secret", func(t *testing.T) {
		data := string(res.Artifact("env/channel-slack.env").Data)
		want := "BOT_TOKEN=xoxb-1\nPORT=8080\nSLACK_SHARED_SECRET=shh\n"
		if data != want {
			t.Errorf("channel env = %q, want %q", data, want)
		}
	})

	t.Run("control characters cannot add env lines", func(t *testing.T) {
		spec := testSpec()
		ch := spec.Channels["slack"]
		ch.Config = map[string]string{"greeting": "hello\nEVIL_FLAG=1"}
		spec.Channels["slack"] = ch

		res, err := Render(spec, testSecrets())
		if err != nil {
			t.Fatalf("Render() error: %v", err)
		}
		data := string(res.Artifact("env/channel-slack.env").Data)
		for _, line := range strings.Split(strings.TrimSuffix(data, "\n"), "\n") {
			if strings.HasPrefix(line, "EVIL_FLAG=") {
				t.Errorf("injected line survived rendering: %q", data)
			}
		}
		if !strings.Contains(data, "GREETING=helloEVIL_FLAG=1\n") {
			t.Errorf("channel env = %q, want newline scrubbed from value", data)
		}
	})

	t.Run("core subsets stay disjoint", func(t *testing.T) {
		gateway := string(res.Artifact("env/gateway.env").Data)
		if gateway != "GATEWAY_TOKEN=gt\n" {
			t.Errorf("gateway env = %q", gateway)
		}
		db := string(res.Artifact("env/db.env").Data)
		if strings.Contains(db, "GATEWAY") || strings.Contains(db, "CACHE") {
			t.Errorf("db env leaks foreign keys: %q", db)
		}
		system := string(res.Artifact("env/system.env").Data)
		if system != "ADMIN_TOKEN=at\nGATEWAY_SHARED_SECRET=shh\n" {
			t.Errorf("system env = %q", system)
		}
	})
}

func TestRenderMissingRefs(t *testing.T) {
	secrets := testSecrets()
	delete(secrets, "SLACK_BOT_TOKEN")
	res, err := Render(testSpec(), secrets)
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	want := []string{"missing_secret_reference_slack_bot_token_SLACK_BOT_TOKEN"}
	if !slices.Equal(res.MissingRefs, want) {
		t.Errorf("MissingRefs = %v, want %v", res.MissingRefs, want)
	}
	if res.ApplySafe() {
		t.Error("ApplySafe() = true with missing references")
	}
	// The unresolved reference stays literal in the env file.
	if data := string(res.Artifact("env/channel-slack.env").Data); !strings.Contains(data, "${SLACK_BOT_TOKEN}") {
		t.Errorf("channel env = %q, want literal reference preserved", data)
	}
}

func TestRenderComposeServices(t *testing.T) {
	res, err := Render(testSpec(), testSecrets())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	names, err := ComposeServiceNames(res.Artifact("compose.yaml").Data)
	if err != nil {
		t.Fatalf("ComposeServiceNames() error: %v", err)
	}
	want := []string{
		"admin", "assistant", "cache", "channel-slack", "db",
		"gateway", "proxy", "service-metrics", "vectorstore",
	}
	if !slices.Equal(names, want) {
		t.Errorf("services = %v, want %v", names, want)
	}

	t.Run("host exposure binds loopback", func(t *testing.T) {
		doc := string(res.Artifact("compose.yaml").Data)
		if !strings.Contains(doc, "127.0.0.1:9080:8080") {
			t.Errorf("compose doc missing loopback binding:\n%s", doc)
		}
	})

	t.Run("secrets never appear as literals", func(t *testing.T) {
		doc := string(res.Artifact("compose.yaml").Data)
		for _, v := range []string{"xoxb-1", "shh", "dbp"} {
			if strings.Contains(doc, v) {
				t.Errorf("secret value %q embedded in compose doc", v)
			}
		}
	})
}

func TestRenderProxyRoutes(t *testing.T) {
	parseRoutes := func(t *testing.T, spec *stackspec.StackSpec) []proxyRoute {
		t.Helper()
		res, err := Render(spec, testSecrets())
		if err != nil {
			t.Fatalf("Render() error: %v", err)
		}
		var doc proxyDoc
		if err := json.Unmarshal(res.Artifact("proxy.json").Data, &doc); err != nil {
			t.Fatalf("parse proxy.json: %v", err)
		}
		if !doc.Admin.Disabled {
			t.Error("admin endpoint not disabled")
		}
		return doc.Apps.HTTP.Servers["main"].Routes
	}

	t.Run("host exposure gets loopback guard", func(t *testing.T) {
		routes := parseRoutes(t, testSpec())
		// slack route plus the admin catch-all.
		if len(routes) != 2 {
			t.Fatalf("route count = %d, want 2", len(routes))
		}
		guard := routes[0].Match[0].RemoteIP
		if guard == nil || !slices.Equal(guard.Ranges, loopbackRanges) {
			t.Errorf("guard = %+v, want loopback ranges", guard)
		}
		if routes[0].Match[0].Path[0] != "/slack" {
			t.Errorf("path match = %v", routes[0].Match[0].Path)
		}
	})

	t.Run("lan exposure widens the guard", func(t *testing.T) {
		spec := testSpec()
		ch := spec.Channels["slack"]
		ch.Exposure = stackspec.ScopeLAN
		spec.Channels["slack"] = ch
		routes := parseRoutes(t, spec)
		guard := routes[0].Match[0].RemoteIP
		if guard == nil || !slices.Equal(guard.Ranges, privateRanges) {
			t.Errorf("guard = %+v, want private ranges", guard)
		}
	})

	t.Run("public exposure removes the guard", func(t *testing.T) {
		spec := testSpec()
		ch := spec.Channels["slack"]
		ch.Exposure = stackspec.ScopePublic
		spec.Channels["slack"] = ch
		routes := parseRoutes(t, spec)
		if routes[0].Match[0].RemoteIP != nil {
			t.Errorf("guard = %+v, want none", routes[0].Match[0].RemoteIP)
		}
	})

	t.Run("domains switch to host matching", func(t *testing.T) {
		spec := testSpec()
		ch := spec.Channels["slack"]
		ch.Domains = []string{"slack.example.com"}
		spec.Channels["slack"] = ch
		routes := parseRoutes(t, spec)
		m := routes[0].Match[0]
		if len(m.Path) != 0 || !slices.Equal(m.Host, []string{"slack.example.com"}) {
			t.Errorf("match = %+v, want host match only", m)
		}
	})

	t.Run("disabling removes the route", func(t *testing.T) {
		spec := testSpec()
		ch := spec.Channels["slack"]
		ch.Enabled = false
		spec.Channels["slack"] = ch
		routes := parseRoutes(t, spec)
		if len(routes) != 1 {
			t.Errorf("route count = %d, want only the admin catch-all", len(routes))
		}
	})
}

func TestBuildReport(t *testing.T) {
	res, err := Render(testSpec(), testSecrets())
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("first render marks everything changed", func(t *testing.T) {
		report := BuildReport(res, nil, now)
		if !slices.Equal(report.ChangedArtifacts, res.Paths()) {
			t.Errorf("changed = %v", report.ChangedArtifacts)
		}
		if !report.ApplySafe {
			t.Error("ApplySafe = false")
		}
	})

	t.Run("unchanged disk state yields empty diff", func(t *testing.T) {
		existing := map[string][]byte{}
		for _, a := range res.Artifacts {
			existing[a.Path] = a.Data
		}
		report := BuildReport(res, existing, now)
		if len(report.ChangedArtifacts) != 0 {
			t.Errorf("changed = %v, want none", report.ChangedArtifacts)
		}
	})

	t.Run("orphaned file counts as changed", func(t *testing.T) {
		existing := map[string][]byte{"env/channel-old.env": []byte("X=1\n")}
		for _, a := range res.Artifacts {
			existing[a.Path] = a.Data
		}
		report := BuildReport(res, existing, now)
		if !slices.Equal(report.ChangedArtifacts, []string{"env/channel-old.env"}) {
			t.Errorf("changed = %v", report.ChangedArtifacts)
		}
	})
}

func TestRenderFallback(t *testing.T) {
	res, err := RenderFallback()
	if err != nil {
		t.Fatalf("RenderFallback() error: %v", err)
	}
	names, err := ComposeServiceNames(res.Artifact("compose.yaml").Data)
	if err != nil {
		t.Fatalf("ComposeServiceNames() error: %v", err)
	}
	if !slices.Equal(names, []string{"admin", "proxy"}) {
		t.Errorf("fallback services = %v", names)
	}
	var doc proxyDoc
	if err := json.Unmarshal(res.Artifact("proxy.json").Data, &doc); err != nil {
		t.Fatalf("parse fallback proxy.json: %v", err)
	}
	routes := doc.Apps.HTTP.Servers["main"].Routes
	if len(routes) != 1 || len(routes[0].Match) != 0 {
		t.Errorf("fallback routes = %+v, want a single unconditional route", routes)
	}
}
