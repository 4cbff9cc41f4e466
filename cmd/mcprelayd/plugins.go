package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"mcprelay/internal/plugin"
	"mcprelay/internal/plugin/jsruntime"
	"mcprelay/internal/plugin/process"
	"mcprelay/internal/registry"
)

// manifest describes an out-of-process plugin: a subprocess command and its
// arguments. Present as plugin.yaml inside a plugin's own subdirectory.
// In-process plugins need no manifest — a bare .js/.ts file is enough.
type manifest struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// loadPlugins scans dir for plugin entries and registers every tool they
// advertise into reg. A plugin that fails to load is logged and skipped —
// spec.md treats the loader itself as an external collaborator, so one bad
// plugin must never keep the rest of the registry from coming up.
//
// Two entry shapes are recognized directly under dir:
//   - a *.js or *.ts file: loaded in-process via jsruntime.
//   - a subdirectory containing plugin.yaml: spawned as a subprocess via
//     process.Spawn, using plugin.yaml's command/args relative to that
//     subdirectory.
func loadPlugins(ctx context.Context, dir string, reg *registry.Registry, log *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("plugin directory not found, starting with no plugins", "dir", dir)
			return nil
		}
		return fmt.Errorf("pluginloader: read %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)

		var provider plugin.Provider
		var loadErr error

		switch {
		case entry.IsDir():
			provider, loadErr = loadProcessPlugin(ctx, name, path)
		case strings.HasSuffix(name, ".js"), strings.HasSuffix(name, ".ts"):
			pluginName := strings.TrimSuffix(name, filepath.Ext(name))
			provider, loadErr = jsruntime.Load(pluginName, path)
		default:
			continue
		}

		if loadErr != nil {
			log.Warn("plugin load failed, skipping", "plugin", name, "error", loadErr)
			continue
		}
		if provider == nil {
			continue
		}

		if err := registerProvider(ctx, provider, reg, log); err != nil {
			log.Warn("plugin registration failed, skipping", "plugin", provider.Name(), "error", err)
		}
	}
	return nil
}

// loadProcessPlugin reads dir/plugin.yaml and spawns the subprocess it
// names. A directory with no manifest is silently not a plugin.
func loadProcessPlugin(ctx context.Context, name, dir string) (plugin.Provider, error) {
	manifestPath := filepath.Join(dir, "plugin.yaml")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin.yaml: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse plugin.yaml: %w", err)
	}
	if m.Command == "" {
		return nil, fmt.Errorf("plugin.yaml: command is required")
	}
	return process.Spawn(ctx, name, m.Command, m.Args, dir)
}

// registerProvider lists provider's tools and registers each with reg,
// binding CallTool/StartStream through closures that capture provider so
// the registry never needs to know which concrete adapter backs a tool.
func registerProvider(ctx context.Context, provider plugin.Provider, reg *registry.Registry, log *slog.Logger) error {
	tools, err := provider.Tools(ctx)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}

	for _, desc := range tools {
		desc := desc
		p := provider

		if desc.IsStreaming {
			starter := func(ctx context.Context, args map[string]any) (plugin.Generator, error) {
				argsJSON, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("encode args: %w", err)
				}
				handle, callErr := p.StartStream(ctx, desc.Name, argsJSON)
				if callErr != nil {
					return nil, callErr
				}
				return plugin.BindGenerator(p, handle), nil
			}
			reg.RegisterPlugin(desc.Name, desc.Description, desc.ParametersJSON, true, nil, starter)
		} else {
			exec := func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
				argsJSON, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("encode args: %w", err)
				}
				result, callErr := p.CallTool(ctx, desc.Name, argsJSON)
				if callErr != nil {
					return nil, callErr
				}
				return result, nil
			}
			reg.RegisterPlugin(desc.Name, desc.Description, desc.ParametersJSON, false, exec, nil)
		}
		log.Info("plugin tool registered", "plugin", provider.Name(), "tool", desc.Name, "streaming", desc.IsStreaming)
	}
	return nil
}
