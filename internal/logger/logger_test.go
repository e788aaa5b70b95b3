package logger_test

import (
	"chatgogo/pairing/internal/logger"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_NoopBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		logger.Info("hello", "k", "v")
		logger.Sync()
	})
}

func TestLogger_SetCapturesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger.Set(zap.New(core))
	defer logger.Set(zap.NewNop())

	logger.Warn("Subscriber buffer full, dropping message", "session_id", "s1")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		assert.Equal(t, "s1", entries[0].ContextMap()["session_id"])
	}
}
