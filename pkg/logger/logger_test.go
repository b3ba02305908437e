package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestUnstructuredLogsWithEnv(t *testing.T) {
	cases := []struct {
		value string
		want  bool
	}{
		{"", false},
		{"false", false},
		{"0", false},
		{"true", true},
		{"1", true},
		{"yes", true},
	}
	for _, c := range cases {
		got := unstructuredLogsWithEnv(func(string) string { return c.value })
		assert.Equalf(t, c.want, got, "value=%q", c.value)
	}
}

func TestLogLevels(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	restore := setSingletonForTest(zap.New(core).Sugar())
	defer restore()

	Debug("debug-msg")
	Infof("info-%s", "msg")
	Warnw("warn-msg", "key", "value")
	Errorf("error-%d", 1)

	entries := logs.All()
	assert.Len(t, entries, 4)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.InfoLevel, entries[1].Level)
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, zap.ErrorLevel, entries[3].Level)
}
