package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		output  string
		wantErr bool
	}{
		{"text stdout", "info", "text", "stdout", false},
		{"json stderr", "debug", "json", "stderr", false},
		{"bad level", "loud", "text", "stdout", true},
		{"bad format", "info", "xml", "stdout", true},
		{"bad output", "info", "text", "syslog", true},
		{"file without path", "info", "text", "file", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Initialize(tt.level, tt.format, tt.output, "")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestInitializeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filterd.log")
	require.NoError(t, Initialize("warn", "json", "file", path))
	assert.Equal(t, logrus.WarnLevel, Get().GetLevel())
	require.NoError(t, Initialize("info", "text", "stdout", ""))
}

func TestWithComponent(t *testing.T) {
	require.NoError(t, Initialize("info", "json", "stdout", ""))
	var buf bytes.Buffer
	SetOutput(&buf)

	WithComponent("registry").WithField("filters", 3).Info("swapped")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "registry", entry["component"])
	assert.Equal(t, float64(3), entry["filters"])
	assert.Equal(t, "swapped", entry["msg"])
}
