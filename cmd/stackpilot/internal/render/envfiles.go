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
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

// renderEnvFiles produces the shared system file, the per-core files with
// their fixed key subsets, and one file per enabled channel/service.
func renderEnvFiles(spec *stackspec.StackSpec, secrets map[string]string) []Artifact {
	var out []Artifact

	out = append(out, Artifact{
		Path: SystemEnv,
		Data: envFile(pickKeys(secrets, systemEnvKeys)),
		Mode: 0o600,
	})
	for _, name := range sortedCoreNames() {
		core := coreServices[name]
		if core.EnvFile == "" {
			continue
		}
		out = append(out, Artifact{
			Path: core.EnvFile,
			Data: envFile(pickKeys(secrets, core.EnvKeys)),
			Mode: 0o600,
		})
	}

	for _, name := range spec.EnabledChannelNames() {
		ch := spec.Channels[name]
		out = append(out, Artifact{
			Path: "env/channel-" + name + ".env",
			Data: envFile(entityEnv(ch.Config, ch.SharedSecretEnv, ch.ContainerPort, secrets)),
			Mode: 0o600,
		})
	}
	for _, name := range spec.EnabledServiceNames() {
		svc := spec.Services[name]
		out = append(out, Artifact{
			Path: "env/service-" + name + ".env",
			Data: envFile(entityEnv(svc.Config, svc.SharedSecretEnv, svc.ContainerPort, secrets)),
			Mode: 0o600,
		})
	}
	return out
}

// entityEnv builds the env map for one channel or service: config entries
// with secret references resolved, keys uppercased into env-var shape,
// plus the gateway shared secret under the declared name and the listen
// port when one is configured.
func entityEnv(config map[string]string, sharedSecretEnv string, containerPort int, secrets map[string]string) map[string]string {
	env := map[string]string{}
	for k, v := range stackspec.ResolveConfig(config, secrets) {
		env[envKey(k)] = v
	}
	if sharedSecretEnv != "" {
		env[sharedSecretEnv] = secrets["GATEWAY_SHARED_SECRET"]
	}
	if containerPort > 0 {
		env["PORT"] = strconv.Itoa(containerPort)
	}
	return env
}

// envKey converts a config key into env-var form: uppercase, dashes and
// dots become underscores.
func envKey(key string) string {
	key = strings.ToUpper(key)
	key = strings.ReplaceAll(key, "-", "_")
	return strings.ReplaceAll(key, ".", "_")
}

// envFile serializes a map as sorted KEY=VALUE lines, no quoting.
func envFile(env map[string]string) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(scrubEnvValue(k))
		b.WriteByte('=')
		b.WriteString(scrubEnvValue(env[k]))
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// scrubEnvValue drops newlines and other control characters so no value
// can smuggle an extra KEY=VALUE line into the file. Spec validation
// rejects such values up front; this keeps the file format safe for
// documents assembled in code too.
func scrubEnvValue(v string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, v)
}

// pickKeys copies exactly the named keys from secrets. Keys absent from
// the secrets store are written with an empty value so the file shape is
// stable and the gap is visible.
func pickKeys(secrets map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = secrets[k]
	}
	return out
}

func sortedCoreNames() []string {
	names := make([]string, 0, len(coreServices))
	for name := range coreServices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
