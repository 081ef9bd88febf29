package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	expectations := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, want := range expectations {
		if got := ParseLevel(input); got != want {
			testContext.Fatalf("ParseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	logger, err := NewLogger("error", "console")
	if err != nil {
		testContext.Fatalf("unexpected logger error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		testContext.Fatalf("expected info to be disabled at error level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		testContext.Fatalf("expected error level to be enabled")
	}
}
