package logline

import (
	"strings"
	"testing"
	"time"
)

func TestFormatParseRoundTrip(t *testing.T) {
	ts := time.Date(2026, 7, 30, 18, 4, 12, 0, time.UTC)
	line := Format("POST", ts,
		F("id", int64(123456789)),
		F("parent", int64(1)),
		F("nick", "alice"),
		F("text", "hello \"world\"\nline two"),
		F("tags", []any{"a", int64(2)}),
		F("meta", map[string]any{"x": int64(1), "y": "z"}),
	)

	got, ok := Parse(line)
	if !ok {
		t.Fatalf("Parse(%q) returned ok=false", line)
	}
	if !got.Time.Equal(ts) {
		t.Errorf("Time = %v, want %v", got.Time, ts)
	}
	if got.Tag != "POST" {
		t.Errorf("Tag = %q, want POST", got.Tag)
	}
	if v, _ := got.Fields["id"].(int64); v != 123456789 {
		t.Errorf("id = %v, want 123456789", got.Fields["id"])
	}
	if v, _ := got.Fields["text"].(string); v != "hello \"world\"\nline two" {
		t.Errorf("text = %q", v)
	}
	tags, ok := got.Fields["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("tags = %#v", got.Fields["tags"])
	}
	meta, ok := got.Fields["meta"].(map[string]any)
	if !ok || meta["y"] != "z" {
		t.Fatalf("meta = %#v", got.Fields["meta"])
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not a log line at all",
		"[2026-07-30 18:04:12] lowercase key=1",
		"[2026-07-30 18:04:12] TAG key=",
		"[2026-07-30 18:04:12] TAG key=1 trailing garbage (((",
	}
	for _, c := range cases {
		if _, ok := Parse(c); ok {
			t.Errorf("Parse(%q) = ok, want rejected", c)
		}
	}
}

func TestParseFileSkipsBadLines(t *testing.T) {
	input := strings.Join([]string{
		"[2026-07-30 18:00:00] SCRIBE version=1",
		"this line is garbage",
		"[2026-07-30 18:00:01] POST id=1 text=\"hi\"",
		"",
	}, "\n")

	lines, err := ParseFile(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %#v", len(lines), lines)
	}
	if lines[1].Tag != "POST" {
		t.Errorf("lines[1].Tag = %q, want POST", lines[1].Tag)
	}
}

func TestFormatQuotesStringField(t *testing.T) {
	ts := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	line := Format("SCRIBE", ts, F("version", "1.0"))
	if line != `[2026-07-30 00:00:00] SCRIBE version="1.0"` {
		t.Errorf("Format() = %q", line)
	}
}
