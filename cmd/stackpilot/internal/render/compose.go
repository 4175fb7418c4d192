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
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

const stackNetwork = "stackpilot"

// renderCompose builds the compose document. The document is assembled
// from explicit yaml.Node trees with sorted keys; yaml.v3 map marshaling
// does not guarantee key order, which would break byte-determinism.
func renderCompose(spec *stackspec.StackSpec) ([]byte, error) {
	services := mapNode()
	for _, name := range sortedCoreNames() {
		appendPair(services, name, coreServiceNode(name, spec))
	}
	for _, name := range spec.EnabledChannelNames() {
		ch := spec.Channels[name]
		appendPair(services, "channel-"+name, entityServiceNode(
			ch.Image, "env/channel-"+name+".env",
			ch.HostPort, ch.ContainerPort, ch.EffectiveExposure(spec)))
	}
	for _, name := range spec.EnabledServiceNames() {
		svc := spec.Services[name]
		appendPair(services, "service-"+name, entityServiceNode(
			svc.Image, "env/service-"+name+".env",
			svc.HostPort, svc.ContainerPort, spec.AccessScope))
	}

	doc := mapNode()
	appendPair(doc, "services", services)

	networks := mapNode()
	appendPair(networks, stackNetwork, func() *yaml.Node {
		n := mapNode()
		appendPair(n, "driver", strNode("bridge"))
		return n
	}())
	appendPair(doc, "networks", networks)

	volumes := mapNode()
	appendPair(volumes, "db-data", nullNode())
	appendPair(volumes, "vectorstore-data", nullNode())
	appendPair(doc, "volumes", volumes)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal compose document: %w", err)
	}
	return data, nil
}

// coreServiceNode builds one fixed core service block.
func coreServiceNode(name string, spec *stackspec.StackSpec) *yaml.Node {
	core := coreServices[name]
	n := mapNode()
	appendPair(n, "image", strNode(core.Image))
	if len(core.Command) > 0 {
		appendPair(n, "command", strSeqNode(core.Command))
	}
	envFiles := []string{SystemEnv}
	if core.EnvFile != "" {
		envFiles = append(envFiles, core.EnvFile)
	}
	appendPair(n, "env_file", strSeqNode(envFiles))
	if name == stackspec.ServiceProxy {
		appendPair(n, "ports", strSeqNode(proxyPorts(spec.AccessScope)))
	}
	if len(core.Volumes) > 0 {
		appendPair(n, "volumes", strSeqNode(core.Volumes))
	}
	appendPair(n, "restart", strNode("unless-stopped"))
	appendPair(n, "networks", strSeqNode([]string{stackNetwork}))
	return n
}

// entityServiceNode builds a channel or optional service block.
func entityServiceNode(image, envFile string, hostPort, containerPort int, exposure stackspec.AccessScope) *yaml.Node {
	n := mapNode()
	appendPair(n, "image", strNode(image))
	appendPair(n, "env_file", strSeqNode([]string{SystemEnv, envFile}))
	if hostPort > 0 && containerPort > 0 {
		appendPair(n, "ports", strSeqNode([]string{portBinding(hostPort, containerPort, exposure)}))
	}
	appendPair(n, "restart", strNode("unless-stopped"))
	appendPair(n, "networks", strSeqNode([]string{stackNetwork}))
	return n
}

// portBinding renders a published port. Host exposure binds the loopback
// interface so nothing off-machine can reach the port even before the
// proxy's IP guard is consulted.
func portBinding(hostPort, containerPort int, exposure stackspec.AccessScope) string {
	binding := strconv.Itoa(hostPort) + ":" + strconv.Itoa(containerPort)
	if exposure == stackspec.ScopeHost {
		return "127.0.0.1:" + binding
	}
	return binding
}

func proxyPorts(scope stackspec.AccessScope) []string {
	if scope == stackspec.ScopeHost {
		return []string{"127.0.0.1:80:80", "127.0.0.1:443:443"}
	}
	return []string{"80:80", "443:443"}
}

// ===== yaml.Node helpers =====

func mapNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
}

func appendPair(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, strNode(key), value)
}

func strNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func nullNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
}

func strSeqNode(values []string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range values {
		n.Content = append(n.Content, strNode(v))
	}
	return n
}
