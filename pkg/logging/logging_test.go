package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewHonorsEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_ENCODING", "console")

	logger, err := New()
	require.NoError(t, err)
	defer logger.Sync()

	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestNewFallsBackOnBadValues(t *testing.T) {
	// Misconfigured env must never keep the process from starting.
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("LOG_ENCODING", "yaml")

	logger, err := New()
	require.NoError(t, err)
	defer logger.Sync()

	assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}
