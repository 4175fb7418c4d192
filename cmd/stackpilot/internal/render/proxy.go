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

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
)

// IP range guards per exposure tier. Host exposure admits loopback only;
// lan additionally admits the RFC 1918 private ranges; public has no
// guard at all.
var (
	loopbackRanges = []string{"127.0.0.0/8", "::1/128"}
	privateRanges  = []string{
		"127.0.0.0/8", "::1/128",
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	}
)

// Proxy document shape. Struct field order fixes the JSON key order, so
// encoding is deterministic.
type proxyDoc struct {
	Admin proxyAdmin `json:"admin"`
	Apps  proxyApps  `json:"apps"`
}

type proxyAdmin struct {
	Disabled bool `json:"disabled"`
}

type proxyApps struct {
	HTTP proxyHTTP `json:"http"`
}

type proxyHTTP struct {
	Servers map[string]proxyServer `json:"servers"`
}

type proxyServer struct {
	Listen []string     `json:"listen"`
	Routes []proxyRoute `json:"routes"`
}

type proxyRoute struct {
	Match  []proxyMatch   `json:"match,omitempty"`
	Handle []proxyHandler `json:"handle"`
}

type proxyMatch struct {
	Host     []string       `json:"host,omitempty"`
	Path     []string       `json:"path,omitempty"`
	RemoteIP *proxyRemoteIP `json:"remote_ip,omitempty"`
}

type proxyRemoteIP struct {
	Ranges []string `json:"ranges"`
}

type proxyHandler struct {
	Handler         string          `json:"handler"`
	StripPathPrefix string          `json:"strip_path_prefix,omitempty"`
	URI             string          `json:"uri,omitempty"`
	Upstreams       []proxyUpstream `json:"upstreams,omitempty"`
}

type proxyUpstream struct {
	Dial string `json:"dial"`
}

// renderProxy builds the reverse-proxy document: one route per enabled
// channel in sorted name order, then a catch-all route to the
// administration service. Optional services are never routed.
func renderProxy(spec *stackspec.StackSpec) ([]byte, error) {
	var routes []proxyRoute
	for _, name := range spec.EnabledChannelNames() {
		routes = append(routes, channelRoute(name, spec.Channels[name], spec))
	}
	routes = append(routes, proxyRoute{
		Handle: []proxyHandler{{
			Handler:   "reverse_proxy",
			Upstreams: []proxyUpstream{{Dial: "admin:" + strconv.Itoa(coreServices[stackspec.ServiceAdmin].ContainerPort)}},
		}},
	})

	doc := proxyDoc{
		Admin: proxyAdmin{Disabled: true},
		Apps: proxyApps{
			HTTP: proxyHTTP{
				Servers: map[string]proxyServer{
					"main": {Listen: []string{":443"}, Routes: routes},
				},
			},
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal proxy document: %w", err)
	}
	return append(data, '\n'), nil
}

// channelRoute builds the route for one channel: domain matching when
// domains are declared, path-prefix matching otherwise, plus the IP guard
// its effective exposure requires.
func channelRoute(name string, ch stackspec.ChannelSpec, spec *stackspec.StackSpec) proxyRoute {
	match := proxyMatch{}
	pathBased := len(ch.Domains) == 0
	if pathBased {
		match.Path = []string{"/" + name, "/" + name + "/*"}
	} else {
		match.Host = append([]string(nil), ch.Domains...)
	}
	switch ch.EffectiveExposure(spec) {
	case stackspec.ScopeHost:
		match.RemoteIP = &proxyRemoteIP{Ranges: loopbackRanges}
	case stackspec.ScopeLAN:
		match.RemoteIP = &proxyRemoteIP{Ranges: privateRanges}
	}

	var handlers []proxyHandler
	if pathBased {
		if ch.RewritePath != "" {
			handlers = append(handlers, proxyHandler{Handler: "rewrite", URI: ch.RewritePath})
		} else {
			handlers = append(handlers, proxyHandler{Handler: "rewrite", StripPathPrefix: "/" + name})
		}
	} else if ch.RewritePath != "" {
		handlers = append(handlers, proxyHandler{Handler: "rewrite", URI: ch.RewritePath})
	}
	handlers = append(handlers, proxyHandler{
		Handler:   "reverse_proxy",
		Upstreams: []proxyUpstream{{Dial: "channel-" + name + ":" + strconv.Itoa(ch.ContainerPort)}},
	})
	return proxyRoute{Match: []proxyMatch{match}, Handle: handlers}
}
