package launch

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by the exec copy goroutines and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// withSignals swaps signal.Notify for a channel the test controls.
func withSignals(l *Exec) chan<- os.Signal {
	inject := make(chan os.Signal, 1)
	l.notify = func(c chan<- os.Signal, _ ...os.Signal) {
		go func() {
			for sig := range inject {
				c <- sig
			}
		}()
	}
	l.stop = func(chan<- os.Signal) {}
	return inject
}

func TestLaunchPassesPortAndWaits(t *testing.T) {
	var out syncBuffer
	l := NewExec(nil, time.Second)
	withSignals(l)

	err := l.Launch(context.Background(), Spec{
		Command: []string{"sh", "-c", `echo "listening on $PORT"`},
		Dir:     t.TempDir(),
		Env:     []string{"PORT=8001"},
		Stdout:  &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "listening on 8001\n", out.String())
}

func TestLaunchReportsExitCode(t *testing.T) {
	l := NewExec(nil, time.Second)
	withSignals(l)

	err := l.Launch(context.Background(), Spec{Command: []string{"sh", "-c", "exit 4"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 4")
}

func TestLaunchMissingBinary(t *testing.T) {
	l := NewExec(nil, time.Second)
	withSignals(l)

	err := l.Launch(context.Background(), Spec{Command: []string{"definitely-not-a-backend-binary"}})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "start definitely-not-a-backend-binary"))

	require.Error(t, l.Launch(context.Background(), Spec{}))
}

func TestLaunchForwardsSignal(t *testing.T) {
	l := NewExec(nil, time.Second)
	inject := withSignals(l)

	var out syncBuffer
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Launch(context.Background(), Spec{
			Command: []string{"sh", "-c", "echo ready; sleep 30"},
			Stdout:  &out,
		})
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ready") }, 5*time.Second, 10*time.Millisecond)
	inject <- syscall.SIGTERM

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("backend did not stop after forwarded SIGTERM")
	}
}

func TestLaunchKillsAfterGrace(t *testing.T) {
	l := NewExec(nil, 100*time.Millisecond)
	withSignals(l)

	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Launch(ctx, Spec{
			Command: []string{"sh", "-c", "trap '' TERM; echo ready; while true; do sleep 1; done"},
			Stdout:  &out,
		})
	}()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "ready") }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("backend survived SIGKILL")
	}
}
