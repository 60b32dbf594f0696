package domain

import (
	"encoding/json"
	"testing"
)

func TestExtractTextString(t *testing.T) {
	got := ExtractText(json.RawMessage(`"  hello world  "`))
	if got != "  hello world  " {
		t.Fatalf("string content must pass through verbatim, got %q", got)
	}
}

func TestExtractTextBlocks(t *testing.T) {
	content := json.RawMessage(`[
		{"type":"text","text":"a"},
		{"type":"image","url":"x.png"},
		{"type":"text","text":"b"}
	]`)
	got := ExtractText(content)
	if got != "a\nb" {
		t.Fatalf("want %q, got %q", "a\nb", got)
	}
}

func TestExtractTextSingleBlock(t *testing.T) {
	got := ExtractText(json.RawMessage(`[{"type":"text","text":"only"}]`))
	if got != "only" {
		t.Fatalf("want %q, got %q", "only", got)
	}
}

func TestExtractTextNoTextBlocks(t *testing.T) {
	got := ExtractText(json.RawMessage(`[{"type":"image","url":"x.png"}]`))
	if got != "" {
		t.Fatalf("want empty, got %q", got)
	}
}

func TestExtractTextUnknownShape(t *testing.T) {
	cases := []string{`123`, `{"text":"x"}`, `null`, `true`, ``}
	for _, c := range cases {
		if got := ExtractText(json.RawMessage(c)); got != "" {
			t.Fatalf("content %q: want empty, got %q", c, got)
		}
	}
}

func TestExtractTextMalformedBlockSkipped(t *testing.T) {
	content := json.RawMessage(`[{"type":"text","text":"keep"},"not-an-object"]`)
	if got := ExtractText(content); got != "keep" {
		t.Fatalf("want %q, got %q", "keep", got)
	}
}
