package logger

import (
	"testing"

	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		env   string
		want  string
	}{
		{level: "", env: "development", want: "debug"},
		{level: "", env: "production", want: "info"},
		{level: "WARN", env: "production", want: "warn"},
		{level: "error", env: "development", want: "error"},
		{level: "bogus", env: "production", want: "info"},
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.level, tc.env).String(); got != tc.want {
			t.Fatalf("ParseLevel(%q, %q) = %s, want %s", tc.level, tc.env, got, tc.want)
		}
	}
}

func TestNewHonoursLevel(t *testing.T) {
	log := New("api", "production", "warn")
	if log.Core().Enabled(zap.InfoLevel) {
		t.Fatal("expected info to be disabled at warn level")
	}
	if !log.Core().Enabled(zap.ErrorLevel) {
		t.Fatal("expected error to be enabled at warn level")
	}
}
