package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/lmbridge/internal/lifecycle"
	"github.com/MrWong99/lmbridge/internal/llm"
	"github.com/MrWong99/lmbridge/internal/registry"
	"github.com/MrWong99/lmbridge/internal/toolset"
)

func TestFailureLine_TaxonomyKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{
			err:  &registry.UnknownMCPError{Name: "ghost"},
			want: "UnknownMCPError: ",
		},
		{
			err:  &registry.RegistryError{Path: "/tmp/mcp.json", Err: errors.New("boom")},
			want: "RegistryError: ",
		},
		{
			err:  &lifecycle.ModelUnavailableError{Model: "m"},
			want: "ModelUnavailableError: ",
		},
		{
			err:  &toolset.ArgumentError{Tool: "t", Err: errors.New("bad")},
			want: "ToolArgumentError: ",
		},
		{
			err:  &llm.TimeoutError{Op: "responses", Err: context.DeadlineExceeded},
			want: "LLMTimeout: ",
		},
		{
			err:  &llm.ProtocolError{Op: "responses", Err: errors.New("odd shape")},
			want: "LLMProtocolError: ",
		},
	}
	for _, tc := range tests {
		got := failureLine(tc.err)
		if !strings.HasPrefix(got, tc.want) {
			t.Errorf("failureLine(%T) = %q, want prefix %q", tc.err, got, tc.want)
		}
	}
}

func TestFailureLine_WrappedTaxonomyError(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("query failed: %w", &registry.UnknownMCPError{Name: "x"})
	got := failureLine(wrapped)
	if !strings.HasPrefix(got, "UnknownMCPError: ") {
		t.Errorf("failureLine = %q, want the wrapped kind", got)
	}
}

func TestFailureLine_PlainError(t *testing.T) {
	t.Parallel()
	got := failureLine(errors.New("something broke"))
	if got != "Error: something broke" {
		t.Errorf("failureLine = %q", got)
	}
}

func TestFailureLine_SingleLinePlusCause(t *testing.T) {
	t.Parallel()
	err := &registry.UnknownMCPError{Name: "ghost", Available: []string{"a", "b"}}
	got := failureLine(err)
	if strings.Count(got, "\n") != 0 {
		t.Errorf("failureLine is multi-line: %q", got)
	}
	if !strings.Contains(got, "a, b") {
		t.Errorf("failureLine should carry the available names: %q", got)
	}
}

func TestTokenCap(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want int
	}{
		{in: float64(4096), want: 4096}, // JSON numbers arrive as float64
		{in: 512, want: 512},
		{in: "2048", want: 2048},
		{in: "auto", want: 0},
		{in: nil, want: 0},
		{in: true, want: 0},
	}
	for _, tc := range tests {
		if got := tokenCap(tc.in); got != tc.want {
			t.Errorf("tokenCap(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
