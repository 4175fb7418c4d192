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
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

// FallbackServices are the only services in the emergency bundle.
var FallbackServices = []string{stackspec.ServiceAdmin, stackspec.ServiceProxy}

// RenderFallback produces the minimal emergency bundle used when rollback
// itself has failed: just the administration service and the proxy, with
// the proxy forwarding everything to administration so the operator can
// still reach the stack and repair it.
func RenderFallback() (*Result, error) {
	doc := mapNode()
	services := mapNode()

	admin := mapNode()
	appendPair(admin, "image", strNode(coreServices[stackspec.ServiceAdmin].Image))
	appendPair(admin, "env_file", strSeqNode([]string{SystemEnv}))
	appendPair(admin, "restart", strNode("unless-stopped"))
	appendPair(admin, "networks", strSeqNode([]string{stackNetwork}))
	appendPair(services, stackspec.ServiceAdmin, admin)

	proxy := mapNode()
	appendPair(proxy, "image", strNode(coreServices[stackspec.ServiceProxy].Image))
	appendPair(proxy, "command", strSeqNode(coreServices[stackspec.ServiceProxy].Command))
	appendPair(proxy, "env_file", strSeqNode([]string{SystemEnv}))
	appendPair(proxy, "ports", strSeqNode([]string{"127.0.0.1:80:80", "127.0.0.1:443:443"}))
	appendPair(proxy, "volumes", strSeqNode(coreServices[stackspec.ServiceProxy].Volumes))
	appendPair(proxy, "restart", strNode("unless-stopped"))
	appendPair(proxy, "networks", strSeqNode([]string{stackNetwork}))
	appendPair(services, stackspec.ServiceProxy, proxy)

	appendPair(doc, "services", services)
	networks := mapNode()
	net := mapNode()
	appendPair(net, "driver", strNode("bridge"))
	appendPair(networks, stackNetwork, net)
	appendPair(doc, "networks", networks)

	composeData, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal fallback compose document: %w", err)
	}

	proxyData, err := json.MarshalIndent(proxyDoc{
		Admin: proxyAdmin{Disabled: true},
		Apps: proxyApps{
			HTTP: proxyHTTP{
				Servers: map[string]proxyServer{
					"main": {
						Listen: []string{":443"},
						Routes: []proxyRoute{{
							Handle: []proxyHandler{{
								Handler: "reverse_proxy",
								Upstreams: []proxyUpstream{{
									Dial: "admin:" + strconv.Itoa(coreServices[stackspec.ServiceAdmin].ContainerPort),
								}},
							}},
						}},
					},
				},
			},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal fallback proxy document: %w", err)
	}

	return &Result{
		Artifacts: []Artifact{
			{Path: ComposePath, Data: composeData, Mode: 0o640},
			{Path: ProxyPath, Data: append(proxyData, '\n'), Mode: 0o640},
		},
	}, nil
}
