// Package toolset translates between the tool vocabulary of downstream MCP
// servers and the tool-calling format of the LLM runtime.
//
// Three concerns live here:
//
//   - Schema flattening: MCP tool descriptors (and OpenAI-nested descriptors)
//     become the flat {type, name, description, parameters} shape the
//     runtime requires. Parameter schemas pass through untouched.
//   - A merged [Catalogue] over several downstream servers, qualifying tool
//     names as "<server>.<tool>" only where two servers collide, so common
//     tool names stay familiar to the model.
//   - Argument normalisation and coercion: the runtime frequently hands
//     arguments back as a JSON-encoded string, and small models pass
//     integers as decimal strings. Both are repaired here before dispatch.
package toolset

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MrWong99/lmbridge/internal/downstream"
	"github.com/MrWong99/lmbridge/internal/llm"
)

// QualifierSep joins a server name and tool name into a qualified name.
const QualifierSep = "."

// envExtraNumericParams names the environment variable that extends the
// numeric-coercion parameter set (comma-separated parameter names).
const envExtraNumericParams = "LMS_EXTRA_NUMERIC_PARAMS"

// defaultNumericParams are parameter names coerced string→number even when
// the schema omits a type. Common pagination and sizing knobs that small
// models habitually quote.
var defaultNumericParams = []string{
	"limit", "max_results", "count", "offset", "page", "page_size",
	"top_k", "head", "tail", "n", "depth", "max_tokens", "timeout",
}

// ArgumentError reports malformed tool-call arguments. It is surfaced into
// the LLM dialogue as a tool-result error, never to the north-side caller.
type ArgumentError struct {
	// Tool is the tool whose arguments failed.
	Tool string

	// Param is the offending parameter, or empty for whole-payload failures.
	Param string

	// Err is the underlying cause.
	Err error
}

// Kind returns the short machine-readable tag for this failure class.
func (e *ArgumentError) Kind() string { return "ToolArgumentError" }

func (e *ArgumentError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("toolset: tool %q: parameter %q: %v", e.Tool, e.Param, e.Err)
	}
	return fmt.Sprintf("toolset: tool %q: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// Flatten converts a downstream tool into the runtime's flat tool shape.
// Descriptors that arrive OpenAI-nested ({"type":"function","function":{…}})
// have the inner object's fields lifted. The parameter schema is preserved
// as an opaque object.
func Flatten(t downstream.Tool) llm.ToolSpec {
	spec := llm.ToolSpec{
		Type:        "function",
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.InputSchema,
	}

	// Lift an OpenAI-nested descriptor that leaked through as a schema.
	if inner, ok := t.InputSchema["function"].(map[string]any); ok {
		if typ, _ := t.InputSchema["type"].(string); typ == "function" {
			if name, _ := inner["name"].(string); name != "" {
				spec.Name = name
			}
			if desc, _ := inner["description"].(string); desc != "" {
				spec.Description = desc
			}
			if params, ok := inner["parameters"].(map[string]any); ok {
				spec.Parameters = params
			}
		}
	}

	if spec.Parameters == nil {
		spec.Parameters = map[string]any{"type": "object"}
	}
	return spec
}

// entry is one catalogue slot: the owning session plus the canonical
// (unqualified) tool name and its schema.
type entry struct {
	session   downstream.Session
	tool      downstream.Tool
	qualified bool
}

// Catalogue is the merged tool set of one autonomous query. It maps the
// names offered to the LLM back to the owning downstream session and the
// server-local tool name.
type Catalogue struct {
	entries map[string]entry
	specs   []llm.ToolSpec
	numeric map[string]bool
}

// ServerTools pairs a session with its listed tools during catalogue
// construction.
type ServerTools struct {
	Session downstream.Session
	Tools   []downstream.Tool
}

// Build merges the tool lists of several sessions into one catalogue.
// When two servers expose the same tool name, both entries are offered
// under qualified "<server>.<tool>" names; unique names pass through
// unchanged. Numeric coercion uses the default parameter-name set extended
// by LMS_EXTRA_NUMERIC_PARAMS.
func Build(servers []ServerTools) *Catalogue {
	// Count name collisions across servers first.
	seen := make(map[string]int)
	for _, st := range servers {
		for _, t := range st.Tools {
			seen[t.Name]++
		}
	}

	c := &Catalogue{
		entries: make(map[string]entry),
		numeric: numericParamSet(),
	}
	for _, st := range servers {
		server := st.Session.Descriptor().Name
		for _, t := range st.Tools {
			name := t.Name
			qualified := seen[t.Name] > 1
			if qualified {
				name = server + QualifierSep + t.Name
			}
			c.entries[name] = entry{session: st.Session, tool: t, qualified: qualified}

			spec := Flatten(t)
			spec.Name = name
			c.specs = append(c.specs, spec)
		}
	}
	return c
}

// NewServerTools pairs a session with its tool listing for [Build].
func NewServerTools(s downstream.Session, tools []downstream.Tool) ServerTools {
	return ServerTools{Session: s, Tools: tools}
}

// Specs returns the flattened tool descriptors to offer the LLM, in
// catalogue order.
func (c *Catalogue) Specs() []llm.ToolSpec { return c.specs }

// Len returns the number of catalogue entries.
func (c *Catalogue) Len() int { return len(c.entries) }

// Resolve maps a tool name from an LLM tool call to the owning session and
// the server-local tool name, stripping the server qualifier when present.
// The boolean result is false when the name is not in the catalogue.
func (c *Catalogue) Resolve(name string) (downstream.Session, string, bool) {
	if e, ok := c.entries[name]; ok {
		return e.session, e.tool.Name, true
	}
	// A model may qualify a non-conflicting name on its own; accept
	// "<server>.<tool>" as long as it resolves unambiguously.
	if server, tool, found := strings.Cut(name, QualifierSep); found {
		if e, ok := c.entries[tool]; ok && e.session.Descriptor().Name == server {
			return e.session, e.tool.Name, true
		}
	}
	return nil, "", false
}

// NormalizeArguments repairs the arguments payload of a tool call. The
// runtime frequently returns arguments as a JSON-encoded string rather
// than an object; a string payload is decoded, an already-structured
// payload is returned as-is. Normalisation is idempotent.
func NormalizeArguments(toolName, raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		// Handle the double-encoded case: a JSON string containing JSON.
		var inner string
		if err2 := json.Unmarshal([]byte(trimmed), &inner); err2 == nil {
			if err3 := json.Unmarshal([]byte(inner), &args); err3 == nil {
				return args, nil
			}
		}
		return nil, &ArgumentError{Tool: toolName, Err: fmt.Errorf("arguments are not a JSON object: %w", err)}
	}
	return args, nil
}

// CoerceArguments converts string values to numbers for every parameter the
// tool's schema declares integer or number, and for every parameter in the
// configured numeric-name set. A non-numeric string for such a parameter is
// an *ArgumentError. Coercion is idempotent: values that are already
// numeric pass through.
func (c *Catalogue) CoerceArguments(name string, args map[string]any) (map[string]any, error) {
	e, ok := c.entries[name]
	if !ok {
		// Accept a spontaneous "<server>.<tool>" qualifier the same way
		// Resolve does.
		if server, tool, found := strings.Cut(name, QualifierSep); found {
			if alt, altOK := c.entries[tool]; altOK && alt.session.Descriptor().Name == server {
				e, ok = alt, true
			}
		}
	}
	if !ok {
		// Not a catalogue name; leave args untouched.
		return args, nil
	}
	return coerce(e.tool.Name, e.tool.InputSchema, c.numeric, args)
}

// coerce is the schema-driven worker behind CoerceArguments, split out for
// direct testing.
func coerce(toolName string, schema map[string]any, numericNames map[string]bool, args map[string]any) (map[string]any, error) {
	props, _ := schema["properties"].(map[string]any)

	out := make(map[string]any, len(args))
	for param, value := range args {
		declared := declaredType(props, param)
		wantsNumber := declared == "integer" || declared == "number" || numericNames[param]

		str, isString := value.(string)
		if !wantsNumber || !isString {
			out[param] = value
			continue
		}

		switch declared {
		case "integer":
			n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
			if err != nil {
				return nil, &ArgumentError{
					Tool:  toolName,
					Param: param,
					Err:   fmt.Errorf("expected integer, got %q", str),
				}
			}
			out[param] = n
		default:
			f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
			if err != nil {
				// A name-set match without a schema type is still a numeric
				// parameter; a non-numeric string fails either way.
				return nil, &ArgumentError{
					Tool:  toolName,
					Param: param,
					Err:   fmt.Errorf("expected number, got %q", str),
				}
			}
			// Name-set matches with integral values become integers so
			// strict servers accept them.
			if declared == "" && f == float64(int64(f)) {
				out[param] = int64(f)
			} else {
				out[param] = f
			}
		}
	}
	return out, nil
}

// declaredType reads the JSON-schema type of one parameter, if declared.
func declaredType(props map[string]any, param string) string {
	if props == nil {
		return ""
	}
	p, ok := props[param].(map[string]any)
	if !ok {
		return ""
	}
	t, _ := p["type"].(string)
	return t
}

// numericParamSet builds the numeric-coercion name set from the defaults
// plus the LMS_EXTRA_NUMERIC_PARAMS environment extension.
func numericParamSet() map[string]bool {
	set := make(map[string]bool, len(defaultNumericParams))
	for _, n := range defaultNumericParams {
		set[n] = true
	}
	for _, n := range strings.Split(os.Getenv(envExtraNumericParams), ",") {
		if n = strings.TrimSpace(n); n != "" {
			set[n] = true
		}
	}
	return set
}
