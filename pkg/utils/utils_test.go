package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCountTokensFallback(t *testing.T) {
	var tc *TokenCounter
	text := strings.Repeat("abcd", 25) // 100 chars

	if got := tc.CountTokens(text); got != 25 {
		t.Errorf("nil counter fallback: expected 25 tokens, got %d", got)
	}
}

func TestCountTokensNonEmpty(t *testing.T) {
	tc, err := NewTokenCounter("kimi-k2-thinking")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}

	if got := tc.CountTokens("hello world, this is a token counting test"); got <= 0 {
		t.Errorf("expected positive token count, got %d", got)
	}
	if got := tc.CountTokens(""); got != 0 {
		t.Errorf("expected 0 tokens for empty string, got %d", got)
	}
}

func TestTruncateToTokenLimit(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	if err != nil {
		t.Fatalf("NewTokenCounter failed: %v", err)
	}

	text := strings.Repeat("one two three four five six seven eight nine ten ", 100)
	truncated := tc.TruncateToTokenLimit(text, 50)

	if len(truncated) >= len(text) {
		t.Error("expected truncation to shorten text")
	}
	if !strings.HasSuffix(truncated, "...") {
		t.Error("expected ellipsis suffix on truncated text")
	}
	if tc.CountTokens(truncated) > 60 {
		t.Errorf("truncated text still too long: %d tokens", tc.CountTokens(truncated))
	}

	short := "short text"
	if tc.TruncateToTokenLimit(short, 100) != short {
		t.Error("text under limit should be returned unchanged")
	}
}

func TestGetMapField(t *testing.T) {
	m := map[string]any{
		"title":  "Chapter One",
		"number": float64(3),
	}

	title, err := GetMapField[string](m, "title")
	if err != nil {
		t.Fatalf("GetMapField failed: %v", err)
	}
	if title != "Chapter One" {
		t.Errorf("expected 'Chapter One', got %q", title)
	}

	if _, err := GetMapField[string](m, "missing"); err == nil {
		t.Error("expected error for missing field")
	}
	if _, err := GetMapField[int](m, "title"); err == nil {
		t.Error("expected error for wrong type")
	}

	if got := GetMapFieldOr(m, "missing", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}

func TestGetIntField(t *testing.T) {
	m := map[string]any{
		"from_json": float64(7),
		"native":    7,
		"text":      "seven",
	}

	for _, key := range []string{"from_json", "native"} {
		got, err := GetIntField(m, key)
		if err != nil {
			t.Fatalf("GetIntField(%s) failed: %v", key, err)
		}
		if got != 7 {
			t.Errorf("GetIntField(%s): expected 7, got %d", key, got)
		}
	}

	if _, err := GetIntField(m, "text"); err == nil {
		t.Error("expected error for non-numeric field")
	}
	if _, err := GetIntField(m, "missing"); err == nil {
		t.Error("expected error for missing field")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	if err := WriteFileAtomic(path, []byte(`{"phase":"PLANNING"}`), 0644); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != `{"phase":"PLANNING"}` {
		t.Errorf("unexpected content: %s", data)
	}

	// Overwrite and verify no temp files remain.
	if err := WriteFileAtomic(path, []byte(`{"phase":"WRITING"}`), 0644); err != nil {
		t.Fatalf("WriteFileAtomic overwrite failed: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 file after atomic writes, found %d", len(entries))
	}
}

func TestSanitizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"My Novel: Part 2":  "My-Novel--Part-2",
		"a/b\\c":            "a-b-c",
		"plain":             "plain",
		"dots..and..spaces": "dots-and-spaces",
	}
	for in, want := range cases {
		if got := SanitizeIdentifier(in); got != want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", in, got, want)
		}
	}
}
