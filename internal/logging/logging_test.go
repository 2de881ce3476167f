package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		enabled       zap.AtomicLevel
		wantErr       bool
	}{
		{"", "", zap.NewAtomicLevelAt(zap.InfoLevel), false},
		{"DEBUG", "console", zap.NewAtomicLevelAt(zap.DebugLevel), false},
		{"warn", "json", zap.NewAtomicLevelAt(zap.WarnLevel), false},
		{"loud", "json", zap.AtomicLevel{}, true},
		{"info", "xml", zap.AtomicLevel{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			lvl := tt.enabled.Level()
			assert.True(t, logger.Core().Enabled(lvl))
			if lvl > zap.DebugLevel {
				assert.False(t, logger.Core().Enabled(lvl-1))
			}
		})
	}
}

func TestFromConfig(t *testing.T) {
	logger, err := FromConfig(Config{Level: "error"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.WarnLevel))
}
