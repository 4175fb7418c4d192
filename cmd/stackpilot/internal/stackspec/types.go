// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stackspec

import (
	"maps"
	"slices"
)

// AccessScope is a network visibility tier for the stack or a single channel.
type AccessScope string

const (
	// ScopeHost restricts access to the loopback interface.
	ScopeHost AccessScope = "host"

	// ScopeLAN restricts access to private (RFC 1918) networks.
	ScopeLAN AccessScope = "lan"

	// ScopePublic applies no network restriction.
	ScopePublic AccessScope = "public"
)

// Core service names. These services are always present in the generated
// compose document regardless of what the spec enables.
const (
	ServiceProxy       = "proxy"
	ServiceAdmin       = "admin"
	ServiceGateway     = "gateway"
	ServiceAssistant   = "assistant"
	ServiceVectorstore = "vectorstore"
	ServiceCache       = "cache"
	ServiceDB          = "db"
)

// CoreServices lists every fixed core service, in startup order.
var CoreServices = []string{
	ServiceDB,
	ServiceCache,
	ServiceVectorstore,
	ServiceGateway,
	ServiceAssistant,
	ServiceAdmin,
	ServiceProxy,
}

// AlwaysRestartServices are the core services restarted whenever the shared
// system environment changes, in addition to any per-entity restarts.
var AlwaysRestartServices = []string{ServiceGateway, ServiceAssistant}

// CoreRequiredSecrets are secrets the core services depend on. They cannot
// be deleted even when no enabled entity references them.
var CoreRequiredSecrets = []string{
	"ADMIN_TOKEN",
	"ASSISTANT_API_KEY",
	"CACHE_PASSWORD",
	"DB_PASSWORD",
	"GATEWAY_SHARED_SECRET",
	"GATEWAY_TOKEN",
	"VECTORSTORE_API_KEY",
}

// StackSpec is the declarative desired state for the whole stack.
//
// The document is owned by Store: callers read a snapshot via Store.Spec,
// mutate a full copy, and write it back with Store.SetSpec. There is no
// partial in-place patch API at this layer.
type StackSpec struct {
	// Version is the spec document schema version.
	Version int `yaml:"version" validate:"required,gte=1"`

	// AccessScope is the global default exposure for channels that do not
	// declare their own.
	AccessScope AccessScope `yaml:"access_scope" validate:"required,oneof=host lan public"`

	// Channels maps channel name to its configuration.
	Channels map[string]ChannelSpec `yaml:"channels,omitempty" validate:"dive"`

	// Services maps optional service name to its configuration.
	Services map[string]ServiceSpec `yaml:"services,omitempty" validate:"dive"`
}

// ChannelSpec configures one channel (a chat integration such as a
// Slack-like or Discord-like connector).
type ChannelSpec struct {
	// Enabled controls whether the channel is rendered and started.
	Enabled bool `yaml:"enabled"`

	// Image is the container image reference.
	Image string `yaml:"image,omitempty" validate:"required_if=Enabled true"`

	// ContainerPort is the port the channel listens on inside its container.
	ContainerPort int `yaml:"container_port,omitempty" validate:"omitempty,min=1,max=65535"`

	// HostPort optionally publishes the container port on the host.
	HostPort int `yaml:"host_port,omitempty" validate:"omitempty,min=1,max=65535"`

	// Domains switches the proxy route from path-based to domain-based
	// matching when non-empty.
	Domains []string `yaml:"domains,omitempty" validate:"omitempty,dive,hostname_rfc1123"`

	// RewritePath rewrites the matched path prefix before proxying.
	RewritePath string `yaml:"rewrite_path,omitempty"`

	// SharedSecretEnv names the env var that receives the gateway shared
	// secret in this channel's environment file.
	SharedSecretEnv string `yaml:"shared_secret_env,omitempty"`

	// Exposure overrides the spec-level AccessScope for this channel.
	Exposure AccessScope `yaml:"exposure,omitempty" validate:"omitempty,oneof=host lan public"`

	// Template names the catalog entry this channel was instantiated from.
	// A second Slack-like instance gets a suffixed name (e.g. "slack-ops")
	// with Template set to "slack".
	Template string `yaml:"template,omitempty"`

	// SupportsMultipleInstances marks catalog entries that may be
	// instantiated more than once.
	SupportsMultipleInstances bool `yaml:"supports_multiple_instances,omitempty"`

	// Config holds channel configuration. Values are literal strings or
	// ${SECRET_NAME} references.
	Config map[string]string `yaml:"config,omitempty"`
}

// ServiceSpec configures one optional service. Unlike channels, services
// have no exposure tier of their own and are never routed by the proxy.
type ServiceSpec struct {
	Enabled         bool              `yaml:"enabled"`
	Image           string            `yaml:"image,omitempty" validate:"required_if=Enabled true"`
	ContainerPort   int               `yaml:"container_port,omitempty" validate:"omitempty,min=1,max=65535"`
	HostPort        int               `yaml:"host_port,omitempty" validate:"omitempty,min=1,max=65535"`
	SharedSecretEnv string            `yaml:"shared_secret_env,omitempty"`
	Config          map[string]string `yaml:"config,omitempty"`
}

// EffectiveExposure resolves the channel's exposure, falling back to the
// spec-level default when the channel does not declare one.
func (c ChannelSpec) EffectiveExposure(spec *StackSpec) AccessScope {
	if c.Exposure != "" {
		return c.Exposure
	}
	if spec != nil && spec.AccessScope != "" {
		return spec.AccessScope
	}
	return ScopeHost
}

// EnabledChannelNames returns the names of enabled channels, sorted.
func (s *StackSpec) EnabledChannelNames() []string {
	var out []string
	for name, ch := range s.Channels {
		if ch.Enabled {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// EnabledServiceNames returns the names of enabled services, sorted.
func (s *StackSpec) EnabledServiceNames() []string {
	var out []string
	for name, svc := range s.Services {
		if svc.Enabled {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Clone returns a deep copy of the spec. Store.Spec hands out clones so
// callers can mutate freely before writing back.
func (s *StackSpec) Clone() *StackSpec {
	if s == nil {
		return nil
	}
	out := &StackSpec{
		Version:     s.Version,
		AccessScope: s.AccessScope,
	}
	if s.Channels != nil {
		out.Channels = make(map[string]ChannelSpec, len(s.Channels))
		for name, ch := range s.Channels {
			ch.Domains = slices.Clone(ch.Domains)
			ch.Config = maps.Clone(ch.Config)
			out.Channels[name] = ch
		}
	}
	if s.Services != nil {
		out.Services = make(map[string]ServiceSpec, len(s.Services))
		for name, svc := range s.Services {
			svc.Config = maps.Clone(svc.Config)
			out.Services[name] = svc
		}
	}
	return out
}

// DefaultSpec returns the spec used when no document exists yet: nothing
// enabled, loopback-only exposure.
func DefaultSpec() *StackSpec {
	return &StackSpec{
		Version:     1,
		AccessScope: ScopeHost,
		Channels:    map[string]ChannelSpec{},
		Services:    map[string]ServiceSpec{},
	}
}
