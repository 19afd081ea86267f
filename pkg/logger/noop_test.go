package logger

import (
	"testing"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureLogger(t *testing.T) {
	noop := EnsureLogger(nil)
	require.NotNil(t, noop)
	assert.IsType(t, &NoOpLogger{}, noop)

	zapLogger, err := sdklogging.NewZapLogger(sdklogging.Development)
	require.NoError(t, err)
	assert.Same(t, zapLogger, EnsureLogger(zapLogger))
}

func TestForComponent(t *testing.T) {
	assert.IsType(t, &NoOpLogger{}, ForComponent(nil, "bundler"))

	zapLogger, err := sdklogging.NewZapLogger(sdklogging.Development)
	require.NoError(t, err)
	tagged := ForComponent(zapLogger, "bundler")
	require.NotNil(t, tagged)
	assert.NotPanics(t, func() { tagged.Debug("tagged line", "key", "value") })
}
