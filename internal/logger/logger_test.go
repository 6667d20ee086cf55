package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestConfigLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		cfg, err := Config(tt.level)
		if err != nil {
			t.Fatalf("Config(%q): %v", tt.level, err)
		}
		if got := cfg.Level.Level(); got != tt.want {
			t.Errorf("Config(%q) level = %v, want %v", tt.level, got, tt.want)
		}
	}

	if _, err := New("loud"); err == nil {
		t.Error("New accepted an unknown level")
	}
}
