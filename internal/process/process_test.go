package process

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sh(script string) Spec {
	return Spec{Name: "crawler", Command: "/bin/sh", Args: []string{"-c", script}}
}

func TestRunCapturesOutput(t *testing.T) {
	result, err := Run(context.Background(), sh("echo first; echo second >&2; printf tail"))
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.ElementsMatch(t, []string{"first", "second", "tail"}, result.Output)
	assert.Equal(t, "tail", result.LastLine())
}

func TestRunReportsExitStatusAndLastLine(t *testing.T) {
	result, err := Run(context.Background(), sh("echo starting; echo 'cookie expired' >&2; exit 3"))
	require.Error(t, err)

	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, err.Error(), "crawler exited with status 3")
	assert.Contains(t, err.Error(), "cookie expired")
}

func TestRunKeepsBoundedTail(t *testing.T) {
	spec := sh("for i in 1 2 3 4 5 6 7 8 9 10; do echo line$i; done")
	spec.TailLines = 3

	result, err := Run(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"line8", "line9", "line10"}, result.Output)
}

func TestRunUsesWorkDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	spec := sh(`pwd; echo "$CRAWL_MARKER"`)
	spec.Dir = dir
	spec.Env = []string{"CRAWL_MARKER=present"}

	result, err := Run(context.Background(), spec)
	require.NoError(t, err)
	require.Len(t, result.Output, 2)
	assert.True(t, strings.HasSuffix(result.Output[0], strings.TrimPrefix(dir, "/private")))
	assert.Equal(t, "present", result.Output[1])
}

func TestRunKilledOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := Run(ctx, sh("exec sleep 10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), Spec{Command: "/nonexistent/crawler"})
	assert.Error(t, err)

	_, err = Run(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestLineWriterSplitsChunks(t *testing.T) {
	tail := newTail(10)
	w := &lineWriter{tail: tail, name: "crawler"}

	for _, chunk := range []string{"par", "tial\r\nnext\n", "unterminated"} {
		n, err := fmt.Fprint(w, chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.Equal(t, []string{"partial", "next"}, tail.lines())

	w.Flush()
	assert.Equal(t, []string{"partial", "next", "unterminated"}, tail.lines())
}
