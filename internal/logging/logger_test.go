package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	for _, style := range []Style{"", StyleTerminal, StyleJSON, "JSON"} {
		logger, err := NewLogger(Config{Level: "debug", Style: style})
		require.NoError(t, err, style)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel), style)
	}

	logger, err := NewLogger(Config{Level: "warn", Style: StyleJSON})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

func TestNewLoggerNoop(t *testing.T) {
	logger, err := NewLogger(Config{Style: StyleNoop})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	_, err := NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(Config{Style: "xml"})
	assert.Error(t, err)
}
