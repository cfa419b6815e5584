package log

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, name string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	return ForService(name), buf
}

func TestInfoCarriesLevelAndName(t *testing.T) {
	SetGlobalDebug(false)
	l, buf := newTestLogger(t, "hub_info_test")

	l.Infof("client %s registered", "c1")
	out := buf.String()

	if !strings.Contains(out, "INFO [hub_info_test] client c1 registered") {
		t.Fatalf("unexpected log line: %q", out)
	}
}

func TestDebugPerService(t *testing.T) {
	SetGlobalDebug(false)
	const name = "debug_per_service_test"
	DisableDebugFor(name)
	l, buf := newTestLogger(t, name)

	l.Debugf("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug line printed while debug disabled")
	}

	EnableDebugFor(name)
	l.Debugf("visible")
	if !strings.Contains(buf.String(), "DEBUG [debug_per_service_test] visible") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
	DisableDebugFor(name)
}

func TestDebugGlobal(t *testing.T) {
	const name = "debug_global_test"
	DisableDebugFor(name)
	l, buf := newTestLogger(t, name)

	SetGlobalDebug(true)
	defer SetGlobalDebug(false)

	l.Debugf("everywhere")
	if !strings.Contains(buf.String(), "everywhere") {
		t.Fatalf("expected debug line with global debug, got %q", buf.String())
	}
}

func TestForServiceMemoizes(t *testing.T) {
	if ForService("same") != ForService("same") {
		t.Fatal("ForService returned different loggers for the same name")
	}
	if ForService("") != ForService("unknown") {
		t.Fatal("empty name should map to the unknown logger")
	}
}
