package logx

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func newBufferedLogger(id string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(id)
	l.logger = log.New(&buf, "", 0)
	return l, &buf
}

func TestLogLineFormat(t *testing.T) {
	l, buf := newBufferedLogger("proj-1")

	l.Info("chunk %d written", 3)

	line := buf.String()
	if !strings.Contains(line, "[proj-1]") {
		t.Errorf("expected owner id in log line, got %q", line)
	}
	if !strings.Contains(line, "INFO: chunk 3 written") {
		t.Errorf("expected level and message in log line, got %q", line)
	}
}

func TestDebugGating(t *testing.T) {
	defer SetDebug(false, nil)

	l, buf := newBufferedLogger("proj-1")

	SetDebug(false, nil)
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug logged while disabled: %q", buf.String())
	}

	SetDebug(true, nil)
	l.Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG: visible") {
		t.Errorf("debug not logged while enabled: %q", buf.String())
	}
}

func TestDomainFiltering(t *testing.T) {
	defer SetDebug(false, nil)

	SetDebug(true, []string{"dispatch"})

	if !IsDebugEnabledForDomain("dispatch") {
		t.Error("expected dispatch domain enabled")
	}
	if IsDebugEnabledForDomain("pipeline") {
		t.Error("expected pipeline domain disabled")
	}

	SetDebug(true, nil)
	if !IsDebugEnabledForDomain("pipeline") {
		t.Error("expected all domains enabled with nil filter")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}

	base := errors.New("boom")
	wrapped := Wrap(base, "db connect")
	if wrapped == nil {
		t.Fatal("Wrap returned nil for non-nil error")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to the original")
	}
	if !strings.Contains(wrapped.Error(), "db connect: boom") {
		t.Errorf("unexpected wrapped message: %q", wrapped.Error())
	}
}

func TestErrorfReturnsError(t *testing.T) {
	err := Errorf("bad state: %s", "PLANNING")
	if err == nil {
		t.Fatal("Errorf returned nil")
	}
	if err.Error() != "bad state: PLANNING" {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}
