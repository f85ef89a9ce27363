package registry_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/lmbridge/internal/registry"
)

// writeRegistry creates a registry file in a temp dir and returns its path.
func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	return path
}

const sampleRegistry = `{
  "mcpServers": {
    "filesystem": {
      "command": "npx",
      "args": ["-y", "@modelcontextprotocol/server-filesystem", "/data"],
      "roots": ["/data"]
    },
    "memory": {
      "command": "mcp-memory-server",
      "env": {"LOG_LEVEL": "error"}
    },
    "legacy": {
      "command": "old-server",
      "disabled": true
    }
  }
}`

func TestList_ExcludesDisabled(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(writeRegistry(t, sampleRegistry))

	names, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"filesystem", "memory"}
	if !slices.Equal(names, want) {
		t.Errorf("List = %v, want %v", names, want)
	}
}

func TestResolve_FullDescriptor(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(writeRegistry(t, sampleRegistry))

	desc, err := reg.Resolve("filesystem")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if desc.Command != "npx" {
		t.Errorf("Command = %q, want npx", desc.Command)
	}
	if len(desc.Args) != 3 {
		t.Errorf("Args = %v, want 3 entries", desc.Args)
	}
	if !slices.Equal(desc.Roots, []string{"/data"}) {
		t.Errorf("Roots = %v, want [/data]", desc.Roots)
	}

	desc, err = reg.Resolve("memory")
	if err != nil {
		t.Fatalf("Resolve memory: %v", err)
	}
	if desc.Env["LOG_LEVEL"] != "error" {
		t.Errorf("Env = %v, want LOG_LEVEL=error", desc.Env)
	}
}

func TestResolve_UnknownListsAvailable(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(writeRegistry(t, sampleRegistry))

	_, err := reg.Resolve("nope")
	var unknown *registry.UnknownMCPError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want *UnknownMCPError", err)
	}
	if unknown.Name != "nope" {
		t.Errorf("Name = %q, want nope", unknown.Name)
	}
	if !slices.Equal(unknown.Available, []string{"filesystem", "memory"}) {
		t.Errorf("Available = %v, want enabled names", unknown.Available)
	}
	if !strings.Contains(err.Error(), "filesystem") {
		t.Errorf("message should list available names, got: %v", err)
	}
}

func TestList_HotReload(t *testing.T) {
	t.Parallel()
	path := writeRegistry(t, `{"mcpServers": {"one": {"command": "a"}}}`)
	reg := registry.NewWithPath(path)

	names, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Equal(names, []string{"one"}) {
		t.Fatalf("List = %v, want [one]", names)
	}

	// Rewrite the file; the next call must see the new content.
	if err := os.WriteFile(path, []byte(`{"mcpServers": {"one": {"command": "a"}, "two": {"command": "b"}}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	names, err = reg.List()
	if err != nil {
		t.Fatalf("List after rewrite: %v", err)
	}
	if !slices.Equal(names, []string{"one", "two"}) {
		t.Errorf("List = %v, want [one two]", names)
	}
}

func TestList_StableWhenUnchanged(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(writeRegistry(t, sampleRegistry))

	first, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	second, err := reg.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !slices.Equal(first, second) {
		t.Errorf("List is not stable on an unchanged file: %v vs %v", first, second)
	}
}

func TestLoad_MalformedReportsPathAndOffset(t *testing.T) {
	t.Parallel()
	path := writeRegistry(t, `{"mcpServers": {`)
	reg := registry.NewWithPath(path)

	_, err := reg.List()
	var regErr *registry.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("err = %v, want *RegistryError", err)
	}
	if regErr.Path != path {
		t.Errorf("Path = %q, want %q", regErr.Path, path)
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("message should name the path, got: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(filepath.Join(t.TempDir(), "absent.json"))

	_, err := reg.List()
	var regErr *registry.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("err = %v, want *RegistryError", err)
	}
}

func TestLoad_MissingMCPServersKey(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(writeRegistry(t, `{}`))

	_, err := reg.List()
	if err == nil {
		t.Fatal("expected error for missing mcpServers, got nil")
	}
	if !strings.Contains(err.Error(), "mcpServers") {
		t.Errorf("message should mention mcpServers, got: %v", err)
	}
}

func TestLoad_EmptyCommandRejected(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(writeRegistry(t, `{"mcpServers": {"bad": {"command": ""}}}`))

	_, err := reg.List()
	if err == nil {
		t.Fatal("expected error for empty command, got nil")
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("message should name the server, got: %v", err)
	}
}

func TestLoad_SizeCap(t *testing.T) {
	t.Parallel()
	// Pad beyond the 1 MiB cap with a huge comment-ish filler value.
	huge := `{"mcpServers": {"big": {"command": "x", "args": ["` +
		strings.Repeat("a", 1<<20) + `"]}}}`
	reg := registry.NewWithPath(writeRegistry(t, huge))

	_, err := reg.List()
	if err == nil {
		t.Fatal("expected error for oversized registry, got nil")
	}
	if !strings.Contains(err.Error(), "limit") {
		t.Errorf("message should mention the size limit, got: %v", err)
	}
}

func TestResolve_DisabledStillResolvable(t *testing.T) {
	t.Parallel()
	reg := registry.NewWithPath(writeRegistry(t, sampleRegistry))

	desc, err := reg.Resolve("legacy")
	if err != nil {
		t.Fatalf("Resolve legacy: %v", err)
	}
	if !desc.Disabled {
		t.Error("Disabled = false, want true")
	}
}
