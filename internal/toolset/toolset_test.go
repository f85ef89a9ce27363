package toolset

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/lmbridge/internal/downstream"
)

// fakeSession is a minimal downstream.Session for catalogue tests.
type fakeSession struct {
	name string
}

func (f *fakeSession) Descriptor() downstream.Descriptor {
	return downstream.Descriptor{Name: f.name}
}

func (f *fakeSession) Tools(ctx context.Context) ([]downstream.Tool, error) { return nil, nil }

func (f *fakeSession) Call(ctx context.Context, name string, args map[string]any) (*downstream.Result, error) {
	return &downstream.Result{}, nil
}

func (f *fakeSession) Close() error { return nil }

func TestFlatten_PlainMCPTool(t *testing.T) {
	t.Parallel()
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	}
	spec := Flatten(downstream.Tool{
		Name:        "say",
		Description: "Say something.",
		InputSchema: schema,
	})

	if spec.Type != "function" {
		t.Errorf("Type = %q, want function", spec.Type)
	}
	if spec.Name != "say" {
		t.Errorf("Name = %q, want say", spec.Name)
	}
	// The parameter schema must pass through untouched.
	if !reflect.DeepEqual(spec.Parameters, schema) {
		t.Errorf("Parameters rewritten: %v", spec.Parameters)
	}
}

func TestFlatten_LiftsOpenAINestedForm(t *testing.T) {
	t.Parallel()
	params := map[string]any{"type": "object"}
	spec := Flatten(downstream.Tool{
		Name: "outer",
		InputSchema: map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        "inner",
				"description": "lifted",
				"parameters":  params,
			},
		},
	})

	if spec.Name != "inner" {
		t.Errorf("Name = %q, want inner (lifted)", spec.Name)
	}
	if spec.Description != "lifted" {
		t.Errorf("Description = %q, want lifted", spec.Description)
	}
	if !reflect.DeepEqual(spec.Parameters, params) {
		t.Errorf("Parameters = %v, want inner parameters", spec.Parameters)
	}
}

func TestFlatten_NilSchemaDegradesToObject(t *testing.T) {
	t.Parallel()
	spec := Flatten(downstream.Tool{Name: "bare"})
	if spec.Parameters["type"] != "object" {
		t.Errorf("Parameters = %v, want bare object schema", spec.Parameters)
	}
}

func TestBuild_QualifiesOnlyConflicts(t *testing.T) {
	t.Parallel()
	srvA := &fakeSession{name: "srvA"}
	srvB := &fakeSession{name: "srvB"}

	cat := Build([]ServerTools{
		NewServerTools(srvA, []downstream.Tool{
			{Name: "list"},
			{Name: "read_file"},
		}),
		NewServerTools(srvB, []downstream.Tool{
			{Name: "list"},
			{Name: "fetch"},
		}),
	})

	names := make(map[string]bool)
	for _, spec := range cat.Specs() {
		names[spec.Name] = true
	}
	for _, want := range []string{"srvA.list", "srvB.list", "read_file", "fetch"} {
		if !names[want] {
			t.Errorf("catalogue missing %q; have %v", want, names)
		}
	}
	if names["list"] {
		t.Error("bare conflicting name 'list' must not be offered")
	}

	// Each qualified name resolves to the correct server with the
	// qualifier stripped.
	session, tool, ok := cat.Resolve("srvB.list")
	if !ok {
		t.Fatal("srvB.list did not resolve")
	}
	if session.Descriptor().Name != "srvB" || tool != "list" {
		t.Errorf("Resolve(srvB.list) = (%s, %s)", session.Descriptor().Name, tool)
	}
}

func TestResolve_AcceptsSpontaneousQualifier(t *testing.T) {
	t.Parallel()
	srv := &fakeSession{name: "files"}
	cat := Build([]ServerTools{
		NewServerTools(srv, []downstream.Tool{{Name: "read_file"}}),
	})

	// Models sometimes qualify a unique name on their own.
	session, tool, ok := cat.Resolve("files.read_file")
	if !ok {
		t.Fatal("files.read_file did not resolve")
	}
	if session.Descriptor().Name != "files" || tool != "read_file" {
		t.Errorf("Resolve = (%s, %s)", session.Descriptor().Name, tool)
	}

	if _, _, ok := cat.Resolve("other.read_file"); ok {
		t.Error("wrong-server qualifier must not resolve")
	}
}

func TestResolve_UnknownTool(t *testing.T) {
	t.Parallel()
	cat := Build(nil)
	if _, _, ok := cat.Resolve("ghost"); ok {
		t.Error("unknown tool resolved")
	}
}

func TestNormalizeArguments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "object", raw: `{"text":"hello"}`, want: map[string]any{"text": "hello"}},
		{name: "empty", raw: "", want: map[string]any{}},
		{name: "whitespace", raw: "  \n", want: map[string]any{}},
		{
			name: "double encoded",
			raw:  `"{\"text\":\"hi\"}"`,
			want: map[string]any{"text": "hi"},
		},
		{name: "garbage", raw: `not json`, wantErr: true},
		{name: "array", raw: `[1,2]`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeArguments("tool", tc.raw)
			if tc.wantErr {
				var argErr *ArgumentError
				if !errors.As(err, &argErr) {
					t.Fatalf("err = %v, want *ArgumentError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCoerce_SchemaDeclaredIntegers(t *testing.T) {
	t.Parallel()
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"head": map[string]any{"type": "integer"},
			"tail": map[string]any{"type": "integer"},
			"note": map[string]any{"type": "string"},
		},
	}

	got, err := coerce("paginate", schema, map[string]bool{}, map[string]any{
		"head": "10",
		"tail": "5",
		"note": "42", // string-typed, must stay a string
	})
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if got["head"] != int64(10) || got["tail"] != int64(5) {
		t.Errorf("integers not coerced: %v", got)
	}
	if got["note"] != "42" {
		t.Errorf("string param coerced: %v", got["note"])
	}
}

func TestCoerce_NumberAndNameSet(t *testing.T) {
	t.Parallel()
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ratio": map[string]any{"type": "number"},
		},
	}

	got, err := coerce("t", schema, map[string]bool{"limit": true}, map[string]any{
		"ratio": "0.5",
		"limit": "25",
	})
	if err != nil {
		t.Fatalf("coerce: %v", err)
	}
	if got["ratio"] != 0.5 {
		t.Errorf("ratio = %v (%T), want 0.5", got["ratio"], got["ratio"])
	}
	if got["limit"] != int64(25) {
		t.Errorf("limit = %v (%T), want int64 25", got["limit"], got["limit"])
	}
}

func TestCoerce_NonNumericString(t *testing.T) {
	t.Parallel()
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"head": map[string]any{"type": "integer"},
		},
	}

	_, err := coerce("paginate", schema, nil, map[string]any{"head": "lots"})
	var argErr *ArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("err = %v, want *ArgumentError", err)
	}
	if argErr.Param != "head" {
		t.Errorf("Param = %q, want head", argErr.Param)
	}
}

func TestCoerce_NameSetNonNumericFails(t *testing.T) {
	t.Parallel()
	// A name-set match is a numeric parameter even when the schema omits a
	// type; a non-numeric string must surface as an argument error so the
	// model can self-correct instead of the downstream seeing "all".
	_, err := coerce("paginate", map[string]any{"type": "object"}, map[string]bool{"limit": true}, map[string]any{
		"limit": "all",
	})
	var argErr *ArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("err = %v, want *ArgumentError", err)
	}
	if argErr.Param != "limit" {
		t.Errorf("Param = %q, want limit", argErr.Param)
	}
}

func TestCoerce_Idempotent(t *testing.T) {
	t.Parallel()
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"head": map[string]any{"type": "integer"},
			"rate": map[string]any{"type": "number"},
		},
	}
	args := map[string]any{"head": "10", "rate": "1.5"}

	once, err := coerce("t", schema, nil, args)
	if err != nil {
		t.Fatalf("first coerce: %v", err)
	}
	twice, err := coerce("t", schema, nil, once)
	if err != nil {
		t.Fatalf("second coerce: %v", err)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("coercion not idempotent: %v vs %v", once, twice)
	}
}

func TestNumericParamSet_EnvExtension(t *testing.T) {
	t.Setenv(envExtraNumericParams, "custom_a, custom_b")

	set := numericParamSet()
	if !set["custom_a"] || !set["custom_b"] {
		t.Errorf("env extension not applied: %v", set)
	}
	if !set["limit"] {
		t.Error("defaults lost when env extension applied")
	}
}
