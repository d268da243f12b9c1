package utils

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerToJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", true)

	logger.Info("dropped")
	logger.Warn("kept", "roi", 7)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "kept", record["msg"])
	assert.Equal(t, float64(7), record["roi"])
}

func TestNewLoggerToTextDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "DEBUG", false)

	logger.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}
