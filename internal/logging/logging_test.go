package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func newTestLogger(level Level) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	l := &Logger{std: log.New(buf, "", 0), level: level}
	return l, buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newTestLogger(LevelWarn)
	l.Debugf("debug msg")
	l.Infof("info msg")
	l.Warnf("warn msg")
	l.Errorf("error msg")

	out := buf.String()
	if strings.Contains(out, "debug msg") || strings.Contains(out, "info msg") {
		t.Errorf("expected debug/info suppressed at warn level, got %q", out)
	}
	if !strings.Contains(out, "warn msg") || !strings.Contains(out, "error msg") {
		t.Errorf("expected warn/error present, got %q", out)
	}
}

func TestNamedPrefixesLines(t *testing.T) {
	l, buf := newTestLogger(LevelDebug)
	child := l.Named("embedworker")
	child.Infof("tick complete")

	if !strings.Contains(buf.String(), "embedworker") {
		t.Errorf("expected child logger name in output, got %q", buf.String())
	}
}

func TestNamedNestsParentName(t *testing.T) {
	l, buf := newTestLogger(LevelDebug)
	child := l.Named("api").Named("handlers")
	child.Infof("hello")

	if !strings.Contains(buf.String(), "api.handlers") {
		t.Errorf("expected nested name 'api.handlers', got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
