package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	logger.Info("frame window loaded", slog.Int("frames", 42))

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "frame window loaded", parsed["msg"])
	assert.EqualValues(t, 42, parsed["frames"])
}

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("recording started", slog.String("key", "value"))

	assert.Contains(t, buf.String(), "recording started")
	assert.Contains(t, buf.String(), "key=value")
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		configLevel string
		logLevel    slog.Level
		shouldLog   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, true},
		{"error", slog.LevelWarn, false},
		{"error", slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.configLevel+"/"+tt.logLevel.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLoggerWithWriter(config.LoggingConfig{Level: tt.configLevel, Format: "json"}, &buf)
			logger.Log(context.Background(), tt.logLevel, "msg")
			assert.Equal(t, tt.shouldLog, buf.Len() > 0)
		})
	}
}

func TestNewLogger_CustomTimeFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json", TimeFormat: "2006"}, &buf)
	logger.Info("msg")

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Len(t, parsed["time"], 4)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestWithHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger := WithError(WithRecording(WithOperation(WithComponent(base, "streaming"), "load"), "01J"), errors.New("boom"))
	logger.Info("msg")

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "streaming", parsed["component"])
	assert.Equal(t, "load", parsed["operation"])
	assert.Equal(t, "01J", parsed["recording_id"])
	assert.Equal(t, "boom", parsed["error"])
}

func TestWithError_Nil(t *testing.T) {
	logger := slog.Default()
	assert.Same(t, logger, WithError(logger, nil))
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, slog.Default(), LoggerFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx = ContextWithLogger(ctx, logger)
	ctx = ContextWithRequestID(ctx, "req-1")
	assert.Same(t, logger, LoggerFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
}

func TestTimedOperationWithError(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

		var err error
		done := TimedOperationWithError(context.Background(), logger, "save", &err)
		done()
		assert.Contains(t, buf.String(), "operation completed")
	})

	t.Run("failure", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

		var err error
		done := TimedOperationWithError(context.Background(), logger, "save", &err)
		err = errors.New("disk full")
		done()
		assert.Contains(t, buf.String(), "operation failed")
		assert.Contains(t, buf.String(), "disk full")
	})
}
