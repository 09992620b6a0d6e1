// Package limbo implements the synchronous-replication queue of spec
// §4.4: prepared transactions wait here for a quorum of peer
// acknowledgements before becoming visible, under a single-owner,
// split-brain-resistant protocol driven by PROMOTE/DEMOTE/CONFIRM/
// ROLLBACK records.
package limbo

import (
	"sync"

	"github.com/tarantool/tntcore/row"
)

// State is a LimboEntry's lifecycle stage.
type State int

const (
	Volatile State = iota
	Submitted
	Commit
	Rollback
)

// Entry is one waiting synchronous transaction (spec §3 LimboEntry). The
// queue orders entries by insertion, and lsn never decreases walking the
// queue front to back once entries are Submitted.
type Entry struct {
	OriginPeerID uint32
	ApproxLen    int

	mu    sync.Mutex
	state State
	lsn   int64 // -1 until assign_lsn
	err   error // set when state becomes Rollback

	done chan struct{}

	onCommit   []func()
	onRollback []func(error)
}

func newEntry(originPeerID uint32, approxLen int) *Entry {
	return &Entry{
		OriginPeerID: originPeerID,
		ApproxLen:    approxLen,
		lsn:          -1,
		done:         make(chan struct{}),
	}
}

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entry) LSN() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lsn
}

// OnCommit/OnRollback register completion callbacks, mirroring Txn's own
// on_commit/on_rollback trigger lists (spec §4.5) — the checkpoint
// barrier uses these to wait on the limbo's tail entry (spec §4.6).
func (e *Entry) OnCommit(fn func()) {
	e.mu.Lock()
	if e.state == Commit {
		e.mu.Unlock()
		fn()
		return
	}
	e.onCommit = append(e.onCommit, fn)
	e.mu.Unlock()
}

func (e *Entry) OnRollback(fn func(error)) {
	e.mu.Lock()
	if e.state == Rollback {
		e.mu.Unlock()
		fn(row.SigSyncRollback.Err())
		return
	}
	e.onRollback = append(e.onRollback, fn)
	e.mu.Unlock()
}

func (e *Entry) assignLSN(lsn int64) {
	e.mu.Lock()
	e.lsn = lsn
	e.state = Submitted
	e.mu.Unlock()
}

func (e *Entry) complete(state State, rollbackErr error) {
	e.mu.Lock()
	if e.state == Commit || e.state == Rollback {
		e.mu.Unlock()
		return
	}
	e.state = state
	e.err = rollbackErr
	var commitCbs []func()
	var rollbackCbs []func(error)
	if state == Commit {
		commitCbs = e.onCommit
	} else {
		rollbackCbs = e.onRollback
	}
	close(e.done)
	e.mu.Unlock()
	for _, cb := range commitCbs {
		cb()
	}
	for _, cb := range rollbackCbs {
		cb(rollbackErr)
	}
}
