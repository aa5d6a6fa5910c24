package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestSetupWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baotun.log")
	flush, err := Setup(Options{Level: "debug", Format: "json", File: path, MaxSize: 1})
	require.NoError(t, err)

	require.True(t, zap.L().Core().Enabled(zapcore.DebugLevel))
	zap.S().Infof("[%s] started", "tcp")
	flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"msg":"[tcp] started"`)
	require.False(t, zap.L().Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsUnknown(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	require.Error(t, err)
	_, err = New(Options{Format: "xml"})
	require.Error(t, err)
}
