package gologger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	glog "github.com/goliatone/go-logger/glog"
)

func TestResolveDeterministicFallback(t *testing.T) {
	loggerOnly := &capturingLogger{id: "logger"}
	providerLogger := &capturingLogger{id: "provider"}
	provider := &capturingProvider{logger: providerLogger}

	var resolvedProvider glog.LoggerProvider
	_, resolved := Resolve("deploysync", provider, loggerOnly)
	got := resolved.(*capturingLogger)
	if got.id != "provider" {
		t.Fatalf("expected provider logger precedence, got %q", got.id)
	}

	resolvedProvider, resolved = Resolve("deploysync", nil, loggerOnly)
	got = resolved.(*capturingLogger)
	if got.id != "logger" {
		t.Fatalf("expected direct logger when provider is nil, got %q", got.id)
	}
	if resolvedProvider == nil {
		t.Fatalf("expected provider wrapper from logger")
	}

	_, resolved = Resolve("deploysync", nil, nil)
	if resolved == nil {
		t.Fatalf("expected nop logger fallback")
	}
}

func TestLoggerWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "json")

	logger.Debug("hidden", "k", "v")
	logger.Info("ticket moved", "ticket", "HQ-7")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected debug to be filtered, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "ticket moved" || entry["ticket"] != "HQ-7" || entry["level"] != "info" {
		t.Fatalf("unexpected entry %#v", entry)
	}
}

func TestRootLoggerNamesChildLoggers(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, "debug", "text")

	_, resolved := Resolve("webhooks", root, nil)
	resolved.WithContext(context.Background()).Debug("claimed", "delivery", "d1")

	out := buf.String()
	if !strings.Contains(out, "logger=webhooks") || !strings.Contains(out, "delivery=d1") {
		t.Fatalf("expected named text output, got %q", out)
	}
}

func TestFatalUsesExitFunc(t *testing.T) {
	var buf bytes.Buffer
	code := -1
	logger := New(&buf, "info", "json", glog.WithExitFunc(func(c int) { code = c }))

	logger.Fatal("boom")
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(buf.String(), `"level":"fatal"`) {
		t.Fatalf("expected fatal entry, got %q", buf.String())
	}
}

func TestLevelMapping(t *testing.T) {
	cases := map[string]string{
		"TRACE":   glog.Trace,
		"warning": glog.Warn,
		" error ": glog.Error,
		"":        glog.Info,
		"verbose": glog.Info,
	}
	for raw, want := range cases {
		if got := Level(raw); got != want {
			t.Fatalf("%q: expected %s, got %s", raw, want, got)
		}
	}
}

var (
	_ glog.Logger         = (*capturingLogger)(nil)
	_ glog.LoggerProvider = (*capturingProvider)(nil)
)

type capturingProvider struct {
	logger *capturingLogger
}

func (p *capturingProvider) GetLogger(string) glog.Logger {
	if p == nil || p.logger == nil {
		return glog.Nop()
	}
	return p.logger
}

type infoCall struct {
	msg  string
	args []any
}

type capturingLogger struct {
	id       string
	lastInfo infoCall
}

func (l *capturingLogger) Trace(string, ...any) {}
func (l *capturingLogger) Debug(string, ...any) {}
func (l *capturingLogger) Warn(string, ...any)  {}
func (l *capturingLogger) Error(string, ...any) {}
func (l *capturingLogger) Fatal(string, ...any) {}

func (l *capturingLogger) Info(msg string, args ...any) {
	l.lastInfo = infoCall{
		msg:  msg,
		args: append([]any(nil), args...),
	}
}

func (l *capturingLogger) WithContext(context.Context) glog.Logger {
	return l
}
