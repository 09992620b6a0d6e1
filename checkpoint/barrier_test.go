package checkpoint

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/vclock"
	"github.com/tarantool/tntcore/wal"
)

func testRunner(t *testing.T) (*Runner, *wal.Journal, *limbo.Limbo) {
	dir, err := os.MkdirTemp("", "checkpoint-wal-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default()
	cfg.LogDir = dir
	cfg.SelfID = 1
	j, err := wal.Open(cfg, vclock.New())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	lb := limbo.New(cfg, 1, 1, j)
	return New(j, lb), j, lb
}

func TestBarrierCompletesImmediatelyWhenLimboEmpty(t *testing.T) {
	runner, _, _ := testRunner(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	b, err := runner.Run(ctx)
	require.NoError(t, err)
	assert.NotNil(t, b.JournalVclock)
}

func TestBarrierWaitsForTailEntryThenSnapshots(t *testing.T) {
	runner, _, lb := testRunner(t)
	e, err := lb.Submit(1, 64)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	lb.AssignLSN(e, 1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("barrier should resolve once the tail entry confirms")
	}
}

func TestBarrierCancellation(t *testing.T) {
	runner, _, lb := testRunner(t)
	_, err := lb.Submit(1, 64) // left unassigned: never resolves on its own
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = runner.Run(ctx)
	require.Error(t, err)
}
