/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewDefaultConfig()
	cfg.Level = LevelWarn

	logger, closeFunc := newLogger(cfg, makeLogfAppenderWithWriter(cfg, &buf))
	logger.Info("skipped")
	logger.Warn("bucket exhausted", String("caller_id", "u-1"), Int("retry_after", 1))
	closeFunc()

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	require.Equal(t, "bucket exhausted", entry["msg"])
	require.Equal(t, "u-1", entry["caller_id"])
	require.EqualValues(t, 1, entry["retry_after"])
}

func TestResolvePlaceholders(t *testing.T) {
	require.NotContains(t, resolvePlaceholders("/tmp/{{pid}}-{{starttime}}.log"), "{{")
	require.Equal(t, "/tmp/plain.log", resolvePlaceholders("/tmp/plain.log"))
}
