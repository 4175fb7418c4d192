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
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
	"github.com/AleutianAI/stackpilot/pkg/ux"
)

// channelCatalog maps well-known channel names to their templates. Enabling
// a catalog name (or, for multi-instance entries, a numbered variant like
// webhook-2) starts from the template; anything else needs --image.
var channelCatalog = map[string]stackspec.ChannelSpec{
	"slack": {
		Image:         "aleutianai/stackpilot-channel-slack:1",
		ContainerPort: 8080,
		Config:        map[string]string{"bot_token": "${SLACK_BOT_TOKEN}", "signing_secret": "${SLACK_SIGNING_SECRET}"},
	},
	"discord": {
		Image:         "aleutianai/stackpilot-channel-discord:1",
		ContainerPort: 8080,
		Config:        map[string]string{"bot_token": "${DISCORD_BOT_TOKEN}"},
	},
	"telegram": {
		Image:         "aleutianai/stackpilot-channel-telegram:1",
		ContainerPort: 8080,
		Config:        map[string]string{"bot_token": "${TELEGRAM_BOT_TOKEN}"},
	},
	"webhook": {
		Image:                     "aleutianai/stackpilot-channel-webhook:1",
		ContainerPort:             8080,
		SupportsMultipleInstances: true,
	},
}

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage messaging channels",
	}
	cmd.AddCommand(
		newChannelEnableCmd(),
		newChannelDisableCmd(),
		newChannelLsCmd(),
	)
	return cmd
}

func newChannelEnableCmd() *cobra.Command {
	var (
		image      string
		template   string
		port       int
		hostPort   int
		exposure   string
		domains    []string
		configKVs  []string
		rewritePth string
	)
	cmd := &cobra.Command{
		Use:   "enable NAME",
		Short: "Enable a channel, from the catalog or a custom image",
		Args:  requireArg("channel name"),
		RunE: withApp(func(a *app, _ *cobra.Command, args []string) error {
			name := args[0]
			if err := stackspec.ValidateEntityName(name); err != nil {
				return err
			}
			spec, err := a.store.Spec()
			if err != nil {
				return err
			}

			ch, err := channelTemplate(spec, name, template)
			if err != nil {
				return err
			}
			if image != "" {
				ch.Image = image
			}
			if ch.Image == "" {
				return fmt.Errorf("channel %s is not in the catalog; --image is required", name)
			}
			if port != 0 {
				ch.ContainerPort = port
			}
			if hostPort != 0 {
				ch.HostPort = hostPort
			}
			if exposure != "" {
				ch.Exposure = stackspec.AccessScope(exposure)
			}
			if len(domains) > 0 {
				ch.Domains = domains
			}
			if rewritePth != "" {
				ch.RewritePath = rewritePth
			}
			if ch.Config == nil {
				ch.Config = map[string]string{}
			}
			for _, kv := range configKVs {
				key, value, ok := strings.Cut(kv, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --config %q, expected key=value", kv)
				}
				ch.Config[key] = value
			}
			ch.Enabled = true

			spec.Channels[name] = ch
			if err := a.store.SetSpec(spec); err != nil {
				return err
			}
			ux.Success("channel " + name + " enabled")
			if refs := missingChannelSecrets(a, name); len(refs) > 0 {
				ux.Warning("secrets still needed before apply:")
				for _, r := range refs {
					ux.Muted("  " + r)
				}
			}
			ux.Muted("run `stackpilot stack apply` to start it")
			return nil
		}),
	}
	cmd.Flags().StringVar(&image, "image", "", "container image (required for non-catalog channels)")
	cmd.Flags().StringVar(&template, "template", "", "instantiate a named catalog entry under this channel name")
	cmd.Flags().IntVar(&port, "port", 0, "container port the channel listens on")
	cmd.Flags().IntVar(&hostPort, "host-port", 0, "publish the container port on the host")
	cmd.Flags().StringVar(&exposure, "exposure", "", "access tier: host, lan, or public")
	cmd.Flags().StringSliceVar(&domains, "domain", nil, "route by domain instead of path (repeatable)")
	cmd.Flags().StringVar(&rewritePth, "rewrite-path", "", "rewrite the matched path prefix before proxying")
	cmd.Flags().StringSliceVar(&configKVs, "config", nil, "channel config entry key=value; values may use ${SECRET_NAME} (repeatable)")
	return cmd
}

func newChannelDisableCmd() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "disable NAME",
		Short: "Disable a channel, keeping its configuration",
		Args:  requireArg("channel name"),
		RunE: withApp(func(a *app, _ *cobra.Command, args []string) error {
			name := args[0]
			spec, err := a.store.Spec()
			if err != nil {
				return err
			}
			ch, ok := spec.Channels[name]
			if !ok {
				return fmt.Errorf("channel %s is not configured", name)
			}
			if remove {
				delete(spec.Channels, name)
			} else {
				ch.Enabled = false
				spec.Channels[name] = ch
			}
			if err := a.store.SetSpec(spec); err != nil {
				return err
			}
			if remove {
				ux.Success("channel " + name + " removed from the spec")
				ux.Muted("its container keeps running until `stackpilot stack prune --yes`")
			} else {
				ux.Success("channel " + name + " disabled")
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&remove, "rm", false, "drop the channel block entirely instead of disabling it")
	return cmd
}

func newChannelLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List configured channels",
		RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
			spec, err := a.store.Spec()
			if err != nil {
				return err
			}
			if len(spec.Channels) == 0 {
				ux.Info("no channels configured")
				listCatalog()
				return nil
			}
			names := make([]string, 0, len(spec.Channels))
			for name := range spec.Channels {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				ch := spec.Channels[name]
				route := "/" + name
				if len(ch.Domains) > 0 {
					route = strings.Join(ch.Domains, ",")
				}
				line := fmt.Sprintf("%-20s %-8s %s", name, ch.EffectiveExposure(spec), route)
				if ch.Enabled {
					ux.Success(line)
				} else {
					ux.Muted(line + "  (disabled)")
				}
			}
			return nil
		}),
	}
}

func listCatalog() {
	names := make([]string, 0, len(channelCatalog))
	for name := range channelCatalog {
		names = append(names, name)
	}
	sort.Strings(names)
	ux.Muted("catalog: " + strings.Join(names, ", "))
}

var instanceSuffix = regexp.MustCompile(`^(.+)-([0-9]+)$`)

// channelTemplate resolves the starting ChannelSpec for a name: an existing
// spec block wins, then an explicit --template, then an exact catalog entry,
// then a numbered instance (slack-2) of a multi-instance catalog entry.
// Unknown names get an empty block and must supply --image.
func channelTemplate(spec *stackspec.StackSpec, name, template string) (stackspec.ChannelSpec, error) {
	if existing, ok := spec.Channels[name]; ok {
		return existing, nil
	}
	if template != "" {
		tpl, ok := channelCatalog[template]
		if !ok {
			return stackspec.ChannelSpec{}, fmt.Errorf("unknown catalog template %q", template)
		}
		if !tpl.SupportsMultipleInstances && template != name {
			return stackspec.ChannelSpec{}, fmt.Errorf("channel %s does not support multiple instances", template)
		}
		out := cloneChannelTemplate(tpl)
		out.Template = template
		return out, nil
	}
	if tpl, ok := channelCatalog[name]; ok {
		return cloneChannelTemplate(tpl), nil
	}
	if m := instanceSuffix.FindStringSubmatch(name); m != nil {
		if tpl, ok := channelCatalog[m[1]]; ok {
			if !tpl.SupportsMultipleInstances {
				return stackspec.ChannelSpec{}, fmt.Errorf("channel %s does not support multiple instances", m[1])
			}
			out := cloneChannelTemplate(tpl)
			out.Template = m[1]
			return out, nil
		}
	}
	return stackspec.ChannelSpec{}, nil
}

func cloneChannelTemplate(tpl stackspec.ChannelSpec) stackspec.ChannelSpec {
	out := tpl
	out.Config = make(map[string]string, len(tpl.Config))
	for k, v := range tpl.Config {
		out.Config[k] = v
	}
	out.Domains = append([]string(nil), tpl.Domains...)
	return out
}

// missingChannelSecrets reports unresolved secret references for one
// channel, so enable can warn immediately instead of at apply time.
func missingChannelSecrets(a *app, name string) []string {
	spec, err := a.store.Spec()
	if err != nil {
		return nil
	}
	secrets, err := a.store.Secrets()
	if err != nil {
		return nil
	}
	tokens := stackspec.ValidateReferencedSecrets(spec, secrets)
	prefix := "missing_secret_reference_" + name + "_"
	var out []string
	for _, token := range tokens {
		if strings.HasPrefix(token, prefix) {
			out = append(out, token)
		}
	}
	return out
}
