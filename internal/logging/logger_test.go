package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARNING": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := levelFromString(in).Level(); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}

func TestComponentAttr(t *testing.T) {
	var buf bytes.Buffer
	Component(NewLoggerTo(&buf, "info"), "queue").Info("swept", "expired", 2)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line: %v", err)
	}
	if line["component"] != "queue" || line["msg"] != "swept" {
		t.Fatalf("unexpected log line %v", line)
	}
}
