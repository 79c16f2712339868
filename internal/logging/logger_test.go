package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level   string
		format  string
		enabled zapcore.Level
		hidden  zapcore.Level
	}{
		{level: "debug", format: "json", enabled: zapcore.DebugLevel, hidden: zapcore.DebugLevel - 1},
		{level: "", format: "console", enabled: zapcore.InfoLevel, hidden: zapcore.DebugLevel},
		{level: "WARNING", format: "json", enabled: zapcore.WarnLevel, hidden: zapcore.InfoLevel},
		{level: "error", format: "console", enabled: zapcore.ErrorLevel, hidden: zapcore.WarnLevel},
		{level: "verbose", format: "", enabled: zapcore.InfoLevel, hidden: zapcore.DebugLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.level+"/"+testCase.format, func(t *testing.T) {
			logger, err := NewLogger(testCase.level, testCase.format)
			if err != nil {
				t.Fatalf("new logger: %v", err)
			}
			core := logger.Core()
			if !core.Enabled(testCase.enabled) {
				t.Fatalf("expected %s enabled", testCase.enabled)
			}
			if core.Enabled(testCase.hidden) {
				t.Fatalf("expected %s disabled", testCase.hidden)
			}
		})
	}
}
