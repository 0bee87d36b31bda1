package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestGlobal_beforeSetup(t *testing.T) {
	l := Global()
	require.NotNil(t, l)
	assert.NotPanics(t, func() {
		l.Named("bundle").Infow("noop", "count", 1)
	})
}

func TestNew(t *testing.T) {
	buffer := &bytes.Buffer{}
	l := New(DefaultOptions().WithWriter(zapcore.AddSync(buffer)).WithLevel(WarnLevel).WithNamed("runner"))
	l.Info("dropped")
	l.Named("timers").Warnw("kept", "key", "k")
	assert.NotContains(t, buffer.String(), "dropped")
	assert.Contains(t, buffer.String(), "kept")
	assert.Contains(t, buffer.String(), "[runner.timers]")
	assert.Contains(t, buffer.String(), "[WARN]")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	assert.NoError(t, err)
	assert.Equal(t, DebugLevel, level)
	_, err = ParseLevel("verbose")
	assert.Error(t, err)
	_, err = ParseOutputEncoder("xml")
	assert.Error(t, err)
}

func TestNew_caller(t *testing.T) {
	buffer := &bytes.Buffer{}
	l := New(DefaultOptions().WithWriter(zapcore.AddSync(buffer)).WithOutputEncoder(ConsoleOutputEncoder).WithCaller(true))
	l.Info("here")
	assert.Contains(t, buffer.String(), "log/logger_test.go")

	buffer.Reset()
	l = New(DefaultOptions().WithWriter(zapcore.AddSync(buffer)).WithCaller(false))
	l.Info("here")
	assert.NotContains(t, buffer.String(), "logger_test.go")
}
