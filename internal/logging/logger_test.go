package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_RenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter(&buf, slog.LevelInfo, logging.FormatJSON)
	logger.Info("tick failed", "error", errors.New("boom"), "rank", 2)
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "boom", rec["err"])
	assert.NotContains(t, rec, "error")
	assert.EqualValues(t, 2, rec["rank"])
}

func TestNewWithWriter_Text(t *testing.T) {
	var buf bytes.Buffer
	logging.NewWithWriter(&buf, slog.LevelDebug, logging.FormatText).Debug("hello", "error", "x")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "err=x")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := logging.ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := logging.ParseLevel("loud")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := logging.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatText, f)

	f, err = logging.ParseFormat("JSON")
	require.NoError(t, err)
	assert.Equal(t, logging.FormatJSON, f)

	_, err = logging.ParseFormat("xml")
	assert.Error(t, err)
}
