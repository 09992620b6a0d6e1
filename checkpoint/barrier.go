// Package checkpoint implements the consistent-snapshot barrier of spec
// §4.6: a point-in-time cut across the journal's vclock, the limbo's
// state, and the raft term information the limbo has observed.
package checkpoint

import (
	"context"

	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/verrors"
	"github.com/tarantool/tntcore/wal"
)

// Barrier is the consistent quadruple of spec §3 "Checkpoint barrier".
type Barrier struct {
	JournalVclock      map[uint32]uint64
	RaftRemoteSnapshot map[uint32]uint64
	LimboSnapshot      limbo.Snapshot
	LimboVclock        map[uint32]uint64
}

// Runner drives checkpoint barriers against one journal/limbo pair.
// There is exactly one per System (DESIGN NOTES §9).
type Runner struct {
	journal *wal.Journal
	limbo   *limbo.Limbo
	g       *guard
}

func New(j *wal.Journal, lb *limbo.Limbo) *Runner {
	return &Runner{journal: j, limbo: lb, g: newGuard()}
}

// Run takes the barrier (spec §4.6): if the limbo is empty, it flushes
// the journal and snapshots immediately. Otherwise it waits for the
// limbo's current tail entry to resolve, then snapshots on commit or
// fails with SYNC_ROLLBACK on rollback. Cancelling ctx is always
// honored, mirroring the "explicit yield point" the checkpoint fiber
// suspends at (spec §5).
func (r *Runner) Run(ctx context.Context) (Barrier, error) {
	r.g.lock()
	defer r.g.unlock()

	tail := r.limbo.TailEntry()
	if tail == nil {
		r.journal.Flush()
		return r.snapshot(), nil
	}

	result := make(chan error, 1)
	tail.OnCommit(func() { result <- nil })
	tail.OnRollback(func(err error) { result <- err })

	r.journal.Flush()

	select {
	case <-ctx.Done():
		return Barrier{}, verrors.New(verrors.Cancelled, "checkpoint barrier cancelled")
	case err := <-result:
		if err != nil {
			return Barrier{}, verrors.New(verrors.SyncRollback, "checkpoint barrier aborted: tail entry rolled back")
		}
		return r.snapshot(), nil
	}
}

// Snapshot reads the barrier's components without waiting on anything;
// callers that only need a best-effort view (metrics, diagnostics) use
// this instead of Run, under the guard's read side so it never overlaps
// a write holder's inconsistent intermediate state.
func (r *Runner) Snapshot() Barrier {
	r.g.rLock()
	defer r.g.rUnlock()
	return r.snapshot()
}

func (r *Runner) snapshot() Barrier {
	return Barrier{
		JournalVclock:      r.journal.CheckpointBegin(),
		RaftRemoteSnapshot: r.limbo.PromoteTermMapSnapshot(),
		LimboSnapshot:      r.limbo.Snapshot(),
		LimboVclock:        r.limbo.AckVclockSnapshot(),
	}
}

// Commit truncates the journal in front of b's vclock sum, releasing
// segments the checkpoint has made obsolete (spec §4.2 CheckpointCommit).
func (r *Runner) Commit(b Barrier) error {
	var upTo uint64
	for _, lsn := range b.JournalVclock {
		if lsn > upTo {
			upTo = lsn
		}
	}
	return r.journal.CheckpointCommit(upTo)
}
