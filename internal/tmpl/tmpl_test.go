package tmpl

import "testing"

func TestSubstituteBasic(t *testing.T) {
	got := Substitute(`{"s":"#{sender}","c":"#{content}"}`, map[string]string{
		"sender":  "+100",
		"content": "hello",
	})
	want := `{"s":"+100","c":"hello"}`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstituteValueContainingVariableLookalike(t *testing.T) {
	// A value that itself looks like a template variable must not be
	// re-expanded — single pass only (spec.md §8 invariant 4).
	got := Substitute("body: #{content}", map[string]string{
		"content": "#{sender} injected",
	})
	want := "body: #{sender} injected"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSubstituteUnknownVariableLeftLiteral(t *testing.T) {
	got := Substitute("#{unknown}", map[string]string{"sender": "x"})
	if got != "#{unknown}" {
		t.Errorf("got %q, want literal passthrough", got)
	}
}

func TestSubstituteUnterminatedBrace(t *testing.T) {
	got := Substitute("prefix #{oops", map[string]string{"oops": "x"})
	if got != "prefix #{oops" {
		t.Errorf("got %q, want literal passthrough of unterminated token", got)
	}
}
