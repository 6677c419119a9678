package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetOutputWritesFormattedMessages(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Info("submitted %d targets", 3)
	Debug("hidden at info level")

	out := buf.String()
	assert.Contains(t, out, "[info]")
	assert.Contains(t, out, "submitted 3 targets")
	assert.NotContains(t, out, "hidden at info level")
}

func TestTaskTagsTaskID(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Task("abc-123", "run started")
	assert.Contains(t, buf.String(), "abc-123")
	assert.Contains(t, buf.String(), "run started")
}

func TestInitFileOnlyCreatesLogFile(t *testing.T) {
	dir := t.TempDir()
	path, err := InitFileOnly(dir)
	require.NoError(t, err)
	defer Close()

	assert.Equal(t, dir, filepath.Dir(path))
	Info("written to file")
	Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}

func TestRequestLevelsByStatus(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Request("GET", "/api/health", 200, time.Millisecond, "127.0.0.1")
	Request("POST", "/api/users/add", 401, time.Millisecond, "127.0.0.1")

	out := buf.String()
	assert.Contains(t, out, "/api/health")
	assert.Contains(t, out, "[info]")
	assert.Contains(t, out, "[warn]")
}
