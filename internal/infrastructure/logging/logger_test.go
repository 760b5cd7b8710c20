package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stringer string

func (s stringer) String() string { return string(s) }

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestNewWritesToOutputPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.log")

	logger, err := New(Config{Level: "debug", OutputPaths: []string{path}})
	require.NoError(t, err)
	logger.Debug("hello")
	logger.Sync()

	assert.FileExists(t, path)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	base := zap.NewExample()
	assert.Same(t, base, OrNop(base))
}

func TestFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	logger.Info("sent",
		Sandbox(stringer("sbx-1")),
		Message(stringer("msg_1"), stringer("eval")),
		Peer("host"),
	)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "sbx-1", fields["sandbox"])
	assert.Equal(t, "host", fields["peer"])
	assert.Equal(t, map[string]interface{}{"id": "msg_1", "type": "eval"}, fields["msg"])
}

func TestConfigFor(t *testing.T) {
	tests := []struct {
		name        string
		level       string
		development bool
		want        string
	}{
		{"explicit level", "warn", false, "warn"},
		{"empty level", "", false, "info"},
		{"development forces debug", "error", true, "debug"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ConfigFor(tt.level, tt.development)
			assert.Equal(t, tt.want, cfg.Level)
			assert.Equal(t, tt.development, cfg.Development)

			logger, err := New(cfg)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(zapcore.DebugLevel) == (tt.want == "debug"))
		})
	}
}
