package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestTeeSkipsNilHandlers(t *testing.T) {
	if _, ok := Tee(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every handler is nil")
	}
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if Tee(nil, inner) != inner {
		t.Fatal("expected the single handler to be returned unwrapped")
	}
}

func TestTeeRespectsEachLevel(t *testing.T) {
	var verbose, quiet bytes.Buffer
	h := Tee(
		slog.NewTextHandler(&verbose, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&quiet, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)
	logger := slog.New(h).With(String(FieldComponent, "cache"))
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected tee to be enabled when any handler accepts the level")
	}

	logger.Debug("probing index")
	logger.Warn("index busy")

	if !strings.Contains(verbose.String(), "probing index") || !strings.Contains(verbose.String(), "index busy") {
		t.Fatalf("verbose handler missed records: %q", verbose.String())
	}
	if strings.Contains(quiet.String(), "probing index") || !strings.Contains(quiet.String(), "index busy") {
		t.Fatalf("quiet handler got wrong records: %q", quiet.String())
	}
	if !strings.Contains(quiet.String(), "component=cache") {
		t.Fatalf("expected attrs to reach every handler: %q", quiet.String())
	}
}
