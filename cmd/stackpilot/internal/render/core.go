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

import "github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"

// coreService describes one fixed core service block.
type coreService struct {
	Image         string
	ContainerPort int
	// EnvFile is the per-service environment file path, empty when the
	// service only consumes the shared system file.
	EnvFile string
	// EnvKeys is the hard-coded secret subset written into EnvFile. The
	// subsets are deliberately disjoint; a key leaking from one core file
	// into another is a correctness bug, not a convenience.
	EnvKeys []string
	Volumes []string
	Command []string
}

// coreServices is keyed by service name. Images are pinned so a render is
// reproducible; upgrades are an explicit edit here, not an ambient pull.
var coreServices = map[string]coreService{
	stackspec.ServiceDB: {
		Image:         "postgres:16-alpine",
		ContainerPort: 5432,
		EnvFile:       "env/db.env",
		EnvKeys:       []string{"DB_PASSWORD"},
		Volumes:       []string{"db-data:/var/lib/postgresql/data"},
	},
	stackspec.ServiceCache: {
		Image:         "redis:7-alpine",
		ContainerPort: 6379,
		EnvFile:       "env/cache.env",
		EnvKeys:       []string{"CACHE_PASSWORD"},
	},
	stackspec.ServiceVectorstore: {
		Image:         "semitechnologies/weaviate:1.30.5",
		ContainerPort: 8080,
		EnvFile:       "env/vectorstore.env",
		EnvKeys:       []string{"VECTORSTORE_API_KEY"},
		Volumes:       []string{"vectorstore-data:/var/lib/weaviate"},
	},
	stackspec.ServiceGateway: {
		Image:         "aleutianai/stackpilot-gateway:1",
		ContainerPort: 8088,
		EnvFile:       "env/gateway.env",
		EnvKeys:       []string{"GATEWAY_TOKEN"},
	},
	stackspec.ServiceAssistant: {
		Image:         "aleutianai/stackpilot-assistant:1",
		ContainerPort: 8090,
		EnvFile:       "env/assistant.env",
		EnvKeys:       []string{"ASSISTANT_API_KEY"},
	},
	stackspec.ServiceAdmin: {
		Image:         "aleutianai/stackpilot-admin:1",
		ContainerPort: 8085,
	},
	stackspec.ServiceProxy: {
		Image:         "caddy:2-alpine",
		ContainerPort: 443,
		Volumes:       []string{"./proxy.json:/etc/caddy/proxy.json:ro"},
		Command:       []string{"caddy", "run", "--config", "/etc/caddy/proxy.json"},
	},
}

// systemEnvKeys is the shared subset written to env/system.env, the file
// handed to the compose tool via --env-file. A diff here restarts the
// always-restarted services.
var systemEnvKeys = []string{"ADMIN_TOKEN", "GATEWAY_SHARED_SECRET"}

// CoreEnvOwners maps each per-core environment file path to the service
// it belongs to. The shared system file is not included; its owners are
// stackspec.AlwaysRestartServices.
func CoreEnvOwners() map[string]string {
	out := map[string]string{}
	for name, core := range coreServices {
		if core.EnvFile != "" {
			out[core.EnvFile] = name
		}
	}
	return out
}
