// Package registry discovers downstream MCP server definitions from a
// declarative JSON file.
//
// The file format is the common mcpServers shape:
//
//	{
//	  "mcpServers": {
//	    "filesystem": {
//	      "command": "npx",
//	      "args": ["-y", "@modelcontextprotocol/server-filesystem", "/data"],
//	      "env": {"LOG_LEVEL": "error"},
//	      "disabled": false
//	    }
//	  }
//	}
//
// The registry holds no in-memory state between calls: every List or
// Resolve re-reads and re-parses the file, so edits take effect on the next
// query without a restart. Any failure here is user-actionable configuration
// breakage and is returned without retries.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MrWong99/lmbridge/internal/downstream"
)

// maxFileSize caps the registry file parse. A registry larger than this is
// almost certainly a mistake (or an attempt to wedge the bridge).
const maxFileSize = 1 << 20 // 1 MiB

// envPathOverride names the environment variable that pins the registry
// file location, bypassing the search path.
const envPathOverride = "MCP_JSON_PATH"

// RegistryError reports a missing or malformed registry file.
type RegistryError struct {
	// Path is the file that was being read, or empty when no candidate
	// file exists at all.
	Path string

	// Offset is the byte offset of a JSON syntax error, or 0.
	Offset int64

	// Err is the underlying cause.
	Err error
}

// Kind returns the short machine-readable tag for this failure class.
func (e *RegistryError) Kind() string { return "RegistryError" }

func (e *RegistryError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("registry: no mcp.json found: %v", e.Err)
	}
	if e.Offset > 0 {
		return fmt.Sprintf("registry: %s: parse error at byte %d: %v", e.Path, e.Offset, e.Err)
	}
	return fmt.Sprintf("registry: %s: %v", e.Path, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// UnknownMCPError reports a request for a downstream name that is not in
// the registry. The message lists the currently enabled names so the
// calling agent can self-correct.
type UnknownMCPError struct {
	// Name is the unknown identifier that was requested.
	Name string

	// Available lists the currently enabled registry names.
	Available []string
}

// Kind returns the short machine-readable tag for this failure class.
func (e *UnknownMCPError) Kind() string { return "UnknownMCPError" }

func (e *UnknownMCPError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("registry: unknown MCP server %q (registry has no enabled servers)", e.Name)
	}
	return fmt.Sprintf("registry: unknown MCP server %q; available: %s",
		e.Name, strings.Join(e.Available, ", "))
}

// serverEntry is the on-disk shape of a single mcpServers value.
type serverEntry struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      map[string]string `json:"env"`
	Roots    []string          `json:"roots"`
	Disabled bool              `json:"disabled"`
}

// registryFile is the on-disk shape of the whole file.
type registryFile struct {
	MCPServers map[string]serverEntry `json:"mcpServers"`
}

// Registry locates and reads the declarative downstream server file.
// The zero value is not usable; create instances with [New].
type Registry struct {
	// searchPath lists candidate file locations in priority order. The
	// first path that exists wins.
	searchPath []string
}

// New creates a Registry with the default search path: the
// MCP_JSON_PATH override, the LM Studio settings directory, the current
// working directory, and the user config directory, in that order.
func New() *Registry {
	var paths []string
	if override := os.Getenv(envPathOverride); override != "" {
		paths = append(paths, override)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".lmstudio", "mcp.json"))
	}
	paths = append(paths, "mcp.json")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lmbridge", "mcp.json"))
	}
	return &Registry{searchPath: paths}
}

// NewWithPath creates a Registry that reads exactly the given file.
// Used by tests and when the bridge config sets engine.registry_path
// (or MCP_JSON_PATH).
func NewWithPath(path string) *Registry {
	return &Registry{searchPath: []string{path}}
}

// List returns the sorted names of all enabled servers, read from the
// registry file on this call.
func (r *Registry) List() ([]string, error) {
	snapshot, err := r.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(snapshot))
	for name, desc := range snapshot {
		if !desc.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Resolve returns the full descriptor for name, read from the registry file
// on this call. Disabled servers resolve like any other: an explicitly
// named server is honoured even when it is hidden from discovery.
func (r *Registry) Resolve(name string) (downstream.Descriptor, error) {
	snapshot, err := r.load()
	if err != nil {
		return downstream.Descriptor{}, err
	}
	desc, ok := snapshot[name]
	if !ok {
		available := make([]string, 0, len(snapshot))
		for n, d := range snapshot {
			if !d.Disabled {
				available = append(available, n)
			}
		}
		sort.Strings(available)
		return downstream.Descriptor{}, &UnknownMCPError{Name: name, Available: available}
	}
	return desc, nil
}

// load re-reads the registry file and converts it to descriptors.
func (r *Registry) load() (map[string]downstream.Descriptor, error) {
	path, err := r.locate()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, &RegistryError{Path: path, Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, &RegistryError{Path: path, Err: err}
	}
	if len(data) > maxFileSize {
		return nil, &RegistryError{Path: path, Err: fmt.Errorf("file exceeds %d byte limit", maxFileSize)}
	}

	var parsed registryFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			return nil, &RegistryError{Path: path, Offset: syn.Offset, Err: err}
		}
		var typ *json.UnmarshalTypeError
		if errors.As(err, &typ) {
			return nil, &RegistryError{Path: path, Offset: typ.Offset, Err: err}
		}
		return nil, &RegistryError{Path: path, Err: err}
	}
	if parsed.MCPServers == nil {
		return nil, &RegistryError{Path: path, Err: fmt.Errorf("missing required mcpServers object")}
	}

	snapshot := make(map[string]downstream.Descriptor, len(parsed.MCPServers))
	for name, entry := range parsed.MCPServers {
		if entry.Command == "" {
			return nil, &RegistryError{
				Path: path,
				Err:  fmt.Errorf("server %q has an empty command", name),
			}
		}
		snapshot[name] = downstream.Descriptor{
			Name:     name,
			Command:  entry.Command,
			Args:     entry.Args,
			Env:      entry.Env,
			Roots:    entry.Roots,
			Disabled: entry.Disabled,
		}
	}
	return snapshot, nil
}

// locate returns the first search-path entry that exists.
func (r *Registry) locate() (string, error) {
	for _, p := range r.searchPath {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", &RegistryError{
		Err: fmt.Errorf("none of %s exist", strings.Join(r.searchPath, ", ")),
	}
}
