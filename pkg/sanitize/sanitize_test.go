package sanitize

import (
	"strings"
	"testing"
)

func TestErrorDetail_RedactsTempPath(t *testing.T) {
	got := ErrorDetail(`open /tmp/renderflow-job-42/frame_001.png: no such file or directory`)
	if strings.Contains(got, "/tmp/") {
		t.Fatalf("temp path leaked: %q", got)
	}
	if !strings.Contains(got, "<temp_path>") {
		t.Fatalf("expected placeholder, got: %q", got)
	}
}

func TestErrorDetail_TruncatesTo500(t *testing.T) {
	got := ErrorDetail(strings.Repeat("x", 2000))
	if len(got) != 500 {
		t.Fatalf("expected 500 chars, got %d", len(got))
	}
}

func TestErrorDetail_PassesThroughShortText(t *testing.T) {
	got := ErrorDetail("render timed out")
	if got != "render timed out" {
		t.Fatalf("unexpected: %q", got)
	}
}
