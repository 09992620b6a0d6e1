package limbo

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/vclock"
	"github.com/tarantool/tntcore/wal"
)

func testJournal(t *testing.T, selfID uint32) *wal.Journal {
	dir, err := os.MkdirTemp("", "limbo-wal-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default()
	cfg.LogDir = dir
	cfg.SelfID = selfID
	j, err := wal.Open(cfg, vclock.New())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

// S1 — a single-peer replicaset is its own quorum: the owner's own
// journal write is enough to confirm.
func TestSingleNodeSelfQuorum(t *testing.T) {
	j := testJournal(t, 1)
	cfg := config.Default()
	cfg.SyncQuorum = 1
	lb := New(cfg, 1, 1, j)

	e, err := lb.Submit(1, 64)
	require.NoError(t, err)
	lb.AssignLSN(e, 1)

	require.Eventually(t, func() bool {
		return e.State() == Commit
	}, time.Second, time.Millisecond, "entry should confirm once self's own ack covers lsn 1")
	assert.Equal(t, int64(1), lb.ConfirmedLSN())
}

// S2 — sync commit with quorum: two peers must ack before confirmation.
func TestQuorumAdvancesOnSecondAck(t *testing.T) {
	j := testJournal(t, 1)
	cfg := config.Default()
	cfg.SyncQuorum = 2
	lb := New(cfg, 1, 3, j)

	e, err := lb.Submit(1, 64)
	require.NoError(t, err)
	lb.AssignLSN(e, 1)

	assert.Equal(t, Submitted, e.State(), "self ack alone is not a quorum of 2")
	assert.Equal(t, int64(-1), lb.ConfirmedLSN())

	lb.Ack(2, 1)
	require.Eventually(t, func() bool {
		return e.State() == Commit
	}, time.Second, time.Millisecond, "second peer's ack should complete the quorum")
	assert.Equal(t, int64(1), lb.ConfirmedLSN())
}

// A single cumulative ack covering two queued entries' lsn should
// confirm both in one pass, not just the oldest.
func TestQuorumAdvancesPastMultipleEntriesOnOneAck(t *testing.T) {
	j := testJournal(t, 1)
	cfg := config.Default()
	cfg.SyncQuorum = 2
	lb := New(cfg, 1, 3, j)

	e1, err := lb.Submit(1, 64)
	require.NoError(t, err)
	lb.AssignLSN(e1, 1)

	e2, err := lb.Submit(1, 64)
	require.NoError(t, err)
	lb.AssignLSN(e2, 2)

	assert.Equal(t, Submitted, e1.State())
	assert.Equal(t, Submitted, e2.State())

	lb.Ack(2, 2)

	require.Eventually(t, func() bool {
		return e1.State() == Commit && e2.State() == Commit
	}, time.Second, time.Millisecond, "a single ack past both lsns should confirm both entries")
	assert.Equal(t, int64(2), lb.ConfirmedLSN())
}

// S4 — PROMOTE split-brain rejection and acceptance.
func TestPromoteSplitBrain(t *testing.T) {
	j := testJournal(t, 1)
	cfg := config.Default()
	lb := New(cfg, 1, 3, j)
	lb.mu.Lock()
	lb.term = 5
	lb.confirmedLSN = 10
	lb.mu.Unlock()

	err := lb.Process(Request{Kind: ReqPromote, OriginID: 2, PeerID: 1, LSN: 10, Term: 5})
	require.Error(t, err)
	assert.Equal(t, uint32(1), lb.OwnerID())

	err = lb.Process(Request{Kind: ReqPromote, OriginID: 2, PeerID: 1, LSN: 10, Term: 6})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), lb.OwnerID())
	assert.Equal(t, uint64(6), lb.Term())
}

// S5 — DEMOTE with a pending entry confirms it before emptying the queue.
func TestDemoteConfirmsPendingEntry(t *testing.T) {
	j := testJournal(t, 1)
	cfg := config.Default()
	lb := New(cfg, 1, 1, j)
	lb.mu.Lock()
	lb.confirmedLSN = 5
	lb.mu.Unlock()

	e, err := lb.Submit(1, 64)
	require.NoError(t, err)
	e.assignLSN(7)

	err = lb.Process(Request{Kind: ReqDemote, OriginID: 0, PeerID: 1, LSN: 7, Term: 9})
	require.NoError(t, err)
	assert.Equal(t, Commit, e.State())
	assert.Equal(t, uint32(0), lb.OwnerID())
	assert.Equal(t, uint64(9), lb.Term())
	assert.Equal(t, 0, lb.Len())
}

func TestSubmitRefusedWhenNotOwner(t *testing.T) {
	j := testJournal(t, 1)
	cfg := config.Default()
	lb := New(cfg, 1, 1, j)
	lb.mu.Lock()
	lb.ownerID = 2
	lb.mu.Unlock()

	_, err := lb.Submit(1, 64)
	require.Error(t, err)
}
