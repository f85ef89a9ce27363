package reasoning_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/lmbridge/internal/reasoning"
)

func TestFormat_NoReasoning(t *testing.T) {
	t.Parallel()
	f := reasoning.New()

	for _, trace := range []string{"", "   ", "\n\t"} {
		got := f.Format(trace, "the answer")
		if got != "the answer" {
			t.Errorf("Format(%q) = %q, want answer unchanged", trace, got)
		}
	}
}

func TestFormat_WithReasoning(t *testing.T) {
	t.Parallel()
	f := reasoning.New()

	got := f.Format("I counted the files.", "There are 3 files.")
	want := "Reasoning Process:\nI counted the files.\n\nFinal Answer:\nThere are 3 files."
	if got != want {
		t.Errorf("Format = %q, want %q", got, want)
	}
}

func TestFormat_AnswerVerbatim(t *testing.T) {
	t.Parallel()
	f := reasoning.New()

	// The answer must survive untouched for any input — including answers
	// containing markup that the reasoning channel would have escaped.
	answers := []string{
		"plain",
		"<b>bold</b> & more",
		"multi\nline\nanswer",
		"",
	}
	for _, answer := range answers {
		got := f.Format("some trace", answer)
		if !strings.HasSuffix(got, "Final Answer:\n"+answer) {
			t.Errorf("answer not verbatim in %q", got)
		}
	}
}

func TestFormat_EscapesReasoning(t *testing.T) {
	t.Parallel()
	f := reasoning.New()

	got := f.Format("<script>alert(1)</script>", "ok")
	if strings.Contains(got, "<script>") {
		t.Errorf("reasoning not escaped: %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Errorf("expected escaped markup, got: %q", got)
	}
}

func TestFormat_Truncation(t *testing.T) {
	t.Parallel()
	f := reasoning.New(reasoning.WithMaxChars(10))

	got := f.Format(strings.Repeat("x", 50), "done")
	if !strings.Contains(got, strings.Repeat("x", 10)+"…") {
		t.Errorf("expected 10 chars plus ellipsis, got: %q", got)
	}
	if strings.Contains(got, strings.Repeat("x", 11)) {
		t.Errorf("reasoning not truncated: %q", got)
	}
}

func TestFormat_TrimsWhitespaceAroundReasoning(t *testing.T) {
	t.Parallel()
	f := reasoning.New()

	got := f.Format("  thinking  \n", "answer")
	if !strings.Contains(got, "Reasoning Process:\nthinking\n") {
		t.Errorf("reasoning not trimmed: %q", got)
	}
}
