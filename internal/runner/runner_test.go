package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stagehand/internal/logging"
)

func TestExecLogsOutput(t *testing.T) {
	var buf bytes.Buffer
	r := NewExec(logging.NewLogger(&buf, logging.LevelInfo))

	dir := t.TempDir()
	err := r.Run(context.Background(), Shell("echo $GREETING; pwd").In(dir).WithEnv([]string{"GREETING=hello"}))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "hello")
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Base(resolved))
}

func TestExecReportsFailure(t *testing.T) {
	r := NewExec(logging.NewLogger(&bytes.Buffer{}, logging.LevelInfo))
	err := r.Run(context.Background(), Shell("exit 3"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sh -c exit 3 failed")
}

func TestExecKillsWholeGroupOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	r := NewExec(logging.NewLogger(&bytes.Buffer{}, logging.LevelInfo))
	start := time.Now()
	err := r.Run(ctx, Shell("sleep 3; echo done"))

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecPassesStdin(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	r := NewExec(nil)
	c := Shell("cat > " + target)
	c.Stdin = bytes.NewBufferString("FROM scratch\n")
	require.NoError(t, r.Run(context.Background(), c))

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "FROM scratch\n", string(data))
}

func TestFake(t *testing.T) {
	f := &Fake{Paths: map[string]string{"uv": "/usr/bin/uv"}}
	require.NoError(t, f.Run(context.Background(), Command{Name: "uv", Args: []string{"sync", "--locked"}}))
	assert.Equal(t, []string{"uv sync --locked"}, f.Lines())

	p, err := f.LookPath("uv")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/uv", p)
	_, err = f.LookPath("npm")
	assert.Error(t, err)
}
