package wal

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/vclock"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	dir, err := os.MkdirTemp("", "wal-journal-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default()
	cfg.LogDir = dir
	cfg.SelfID = 1
	j, err := Open(cfg, vclock.New())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func insertEntry(body string) *row.JournalEntry {
	r := &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte(body)}
	return row.NewJournalEntry([]*row.Row{r}, 0, nil)
}

func TestSubmitSyncAssignsIncreasingLSNs(t *testing.T) {
	j := testJournal(t)
	e1 := insertEntry("a")
	sig1 := j.SubmitSync(e1)
	require.True(t, sig1.OK())

	e2 := insertEntry("b")
	sig2 := j.SubmitSync(e2)
	require.True(t, sig2.OK())
	assert.Greater(t, int64(sig2), int64(sig1))
}

// S3 — a write failure fails the entry mid-write with IO_ERR and
// enters rollback mode; an entry already waiting in the submission queue
// behind the failed batch fails with CASCADE, and the journal accepts
// new work again once that queue drains.
func TestCascadingRollbackOnWriteFailure(t *testing.T) {
	j := testJournal(t)
	require.True(t, j.SubmitSync(insertEntry("a")).OK())

	proceed := make(chan struct{})
	blocked := make(chan struct{}, 1)
	failing := true
	j.WriteHook = func(index uint64, data []byte) error {
		if !failing {
			return j.log.Write(index, data)
		}
		blocked <- struct{}{}
		<-proceed
		return assertErr{}
	}

	e2 := insertEntry("b")
	j.SubmitAsync(e2)
	<-blocked // the writer goroutine is now stuck inside the failing write

	e3 := insertEntry("c")
	j.SubmitAsync(e3)
	time.Sleep(20 * time.Millisecond) // let e3 land in the fresh queue behind the blocked batch
	close(proceed)

	assert.Equal(t, row.SigIOErr, e2.Wait())
	assert.Equal(t, row.SigCascade, e3.Wait())

	failing = false
	require.Eventually(t, func() bool {
		return j.SubmitSync(insertEntry("d")).OK()
	}, time.Second, 5*time.Millisecond, "rollback mode should clear once the queue drains")
}

type assertErr struct{}

func (assertErr) Error() string { return "injected write failure" }

func TestFlushWaitsForQueueToDrain(t *testing.T) {
	j := testJournal(t)
	e := insertEntry("a")
	j.SubmitAsync(e)
	j.Flush()
	assert.True(t, e.Signature().OK())
}

func TestWatchReceivesWriteEvent(t *testing.T) {
	j := testJournal(t)
	w := j.Watch()
	defer j.Unwatch(w)

	e := insertEntry("a")
	j.SubmitAsync(e)

	select {
	case ev := <-w.C():
		assert.Equal(t, EventWrite, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a write event")
	}
}
