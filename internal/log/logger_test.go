// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

var (
	testBuf bytes.Buffer
	testMu  sync.Mutex
)

func configureForTest() {
	Configure(Config{Level: "debug", Output: &testBuf, Service: "btbusd-test"})
}

// lastEntry returns the most recent JSON log line written to the shared
// test buffer. Configure is process-global, so every test in this package
// shares one writer.
func lastEntry(t *testing.T) map[string]any {
	t.Helper()
	testMu.Lock()
	defer testMu.Unlock()
	lines := strings.Split(strings.TrimSpace(testBuf.String()), "\n")
	last := lines[len(lines)-1]
	if last == "" {
		t.Fatal("no log output captured")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(last), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, last)
	}
	return entry
}

func TestConfigureOnce(t *testing.T) {
	configureForTest()
	// A second Configure must not replace writer or service.
	Configure(Config{Output: &bytes.Buffer{}, Service: "other"})

	Base().Info().Str(FieldEvent, "test.configure").Msg("hello")

	entry := lastEntry(t)
	if entry["service"] != "btbusd-test" {
		t.Errorf("service = %v, want btbusd-test", entry["service"])
	}
	if entry["event"] != "test.configure" {
		t.Errorf("event = %v, want test.configure", entry["event"])
	}
}

func TestWithComponent(t *testing.T) {
	configureForTest()

	WithComponent("eventloop").Info().Msg("component check")

	entry := lastEntry(t)
	if entry["component"] != "eventloop" {
		t.Errorf("component = %v, want eventloop", entry["component"])
	}
}

func TestDerive(t *testing.T) {
	configureForTest()

	l := Derive(func(ctx *zerolog.Context) {
		*ctx = ctx.Str(FieldAddress, "AA:BB:CC:DD:EE:FF")
	})
	l.Info().Msg("derived")

	entry := lastEntry(t)
	if entry["address"] != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("address = %v, want AA:BB:CC:DD:EE:FF", entry["address"])
	}
}

func TestSetLevel(t *testing.T) {
	configureForTest()

	SetLevel("warn")
	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Errorf("global level = %v, want warn", got)
	}
	// Invalid levels leave the current level untouched.
	SetLevel("shouting")
	if got := zerolog.GlobalLevel(); got != zerolog.WarnLevel {
		t.Errorf("global level after bad input = %v, want warn", got)
	}
	SetLevel("debug")
}
