package templates

import (
	"reflect"
	"testing"
)

func TestRender_LeavesUnknownPlaceholders(t *testing.T) {
	got := Render("Dear {teacherName}, regarding {topic}.", map[string]string{"teacherName": "Mr. Lee"})
	want := "Dear Mr. Lee, regarding {topic}."
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRender_AllOccurrences(t *testing.T) {
	got := Render("{name} and {name} again", map[string]string{"name": "Ana"})
	if got != "Ana and Ana again" {
		t.Fatalf("got %q", got)
	}
}

func TestRender_RegexMetacharactersInName(t *testing.T) {
	vars := map[string]string{"a.b": "X", "c+": "Y", "(d)": "Z"}
	got := Render("{a.b} {aXb} {c+} {cc} {(d)}", vars)
	if got != "X {aXb} Y {cc} Z" {
		t.Fatalf("got %q", got)
	}
}

func TestRender_SubstitutedValuesNotRescanned(t *testing.T) {
	vars := map[string]string{"first": "{second}", "second": "boom"}
	got := Render("{first}", vars)
	if got != "{second}" {
		t.Fatalf("value was rescanned: %q", got)
	}
}

func TestRender_MalformedBraces(t *testing.T) {
	vars := map[string]string{"x": "1"}
	cases := map[string]string{
		"{":          "{",
		"}{x}":       "}1",
		"{{x}}":      "{1}",
		"{}":         "{}",
		"{x":         "{x",
		"a {x} b {y": "a 1 b {y",
	}
	for in, want := range cases {
		if got := Render(in, vars); got != want {
			t.Errorf("Render(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRender_NoVariables(t *testing.T) {
	tpl := "Hello {name}"
	if got := Render(tpl, nil); got != tpl {
		t.Fatalf("got %q", got)
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("Dear {teacherName}, about {topic} on {date}. Thanks {teacherName}")
	want := []string{"teacherName", "topic", "date"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if p := Placeholders("no placeholders"); len(p) != 0 {
		t.Fatalf("expected none, got %v", p)
	}
}
