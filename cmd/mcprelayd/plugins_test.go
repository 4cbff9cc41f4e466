package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"mcprelay/internal/logging"
	"mcprelay/internal/registry"
)

func TestLoadPluginsMissingDirectoryIsNotAnError(t *testing.T) {
	err := loadPlugins(context.Background(), filepath.Join(t.TempDir(), "nope"), registry.New(nil), logging.Discard())
	if err != nil {
		t.Fatalf("loadPlugins() on missing dir = %v, want nil", err)
	}
}

func TestLoadProcessPluginNoManifestIsSkipped(t *testing.T) {
	dir := t.TempDir()
	provider, err := loadProcessPlugin(context.Background(), "noop", dir)
	if err != nil {
		t.Fatalf("loadProcessPlugin() err = %v, want nil", err)
	}
	if provider != nil {
		t.Fatalf("loadProcessPlugin() = %v, want nil provider for a directory with no plugin.yaml", provider)
	}
}

func TestLoadProcessPluginMissingCommandIsRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte("args: [\"--foo\"]\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := loadProcessPlugin(context.Background(), "broken", dir); err == nil {
		t.Fatalf("loadProcessPlugin() expected error for manifest with no command")
	}
}

func TestLoadProcessPluginMalformedYAMLIsRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte("command: [this is not valid\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := loadProcessPlugin(context.Background(), "broken", dir); err == nil {
		t.Fatalf("loadProcessPlugin() expected error for malformed yaml")
	}
}

func TestLoadPluginsIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a plugin"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	reg := registry.New(nil)
	if err := loadPlugins(context.Background(), dir, reg, logging.Discard()); err != nil {
		t.Fatalf("loadPlugins() err = %v", err)
	}
	if len(reg.SortedTools()) != 0 {
		t.Fatalf("expected no tools registered from an unrelated file")
	}
}
