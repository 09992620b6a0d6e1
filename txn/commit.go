package txn

import (
	"context"
	"sync/atomic"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/verrors"
)

// prepare runs spec §4.5's four prepare steps; called by both commit
// paths.
func (t *Txn) prepare() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusInProgress {
		return verrors.New(verrors.NoTransaction, "txn is not in progress")
	}
	if t.DeferredFKCount != nil && t.DeferredFKCount() != 0 {
		return verrors.New(verrors.FKConstraint, "deferred foreign key checks still pending")
	}
	t.psn = atomic.AddUint64(&t.mgr.nextPSN, 1)
	if t.EnginePrepare != nil {
		if err := t.EnginePrepare(t); err != nil {
			return err
		}
	}
	t.yieldAborted = false
	t.status = StatusPrepared
	return nil
}

// assemble builds the journal-entry rows and flags (spec §4.5
// "Journal-entry assembly").
func (t *Txn) assemble() ([]*row.Row, row.Flag) {
	var rows []*row.Row
	anySync := false
	anyNonLocal := false
	for _, st := range t.statements {
		if st.Row == nil {
			continue
		}
		rows = append(rows, st.Row)
		if st.Row.Group != row.GroupLocal {
			anyNonLocal = true
		}
		if st.Sync {
			anySync = true
		}
	}
	if n := len(rows); n > 0 && rows[n-1].Group == row.GroupLocal && anyNonLocal {
		rows = append(rows, &row.Row{Type: row.TypeNop, Group: row.GroupDefault})
	}

	pureNop := len(rows) > 0
	for _, r := range rows {
		if r.Type != row.TypeNop {
			pureNop = false
			break
		}
	}

	// FORCE_ASYNC bypasses a non-empty limbo by default (matches the
	// source, reorders visible effects on the replica); ForbidForceAsyncBypass
	// instead makes it commit through the limbo like any other txn would.
	// Either way, bypassing a non-empty limbo is logged.
	bypass := t.forceAsync
	if bypass && t.mgr.limbo.Len() > 0 {
		if t.mgr.cfg.ForbidForceAsyncBypass {
			config.Warn(false, "FORCE_ASYNC commit forbidden from bypassing a non-empty limbo; committing through it instead")
			bypass = false
		} else {
			config.Warn(false, "FORCE_ASYNC commit bypassing a non-empty limbo")
		}
	}

	var flags row.Flag
	switch {
	case bypass || pureNop || len(rows) == 0:
		flags = 0
	case anySync:
		flags = row.FlagWaitSync | row.FlagWaitAck
	case t.mgr.limbo.Len() > 0:
		flags = row.FlagWaitSync
	}
	return rows, flags
}

func approxRowsLen(rows []*row.Row) int {
	n := 0
	for _, r := range rows {
		n += len(r.Body) + 64
	}
	return n
}

// Commit blocks until the txn is resolved and returns an error matching
// its signature, or nil on success (spec §4.5 commit).
func (t *Txn) Commit(ctx context.Context) error {
	t.submit(ctx)
	<-t.done
	if sig := t.Signature(); !sig.OK() {
		return sig.Err()
	}
	return nil
}

// CommitTryAsync submits the txn and returns immediately; completion is
// delivered via the registered triggers (spec §4.5 commit_try_async).
func (t *Txn) CommitTryAsync(ctx context.Context) {
	t.submit(ctx)
}

// submit runs prepare, assembles the journal entry, and hands it to the
// journal. WAIT_SYNC commits also reserve a limbo slot before
// submission, so concurrent txns enter the limbo queue in the same
// order they enter the journal (spec §4.5 success path).
func (t *Txn) submit(ctx context.Context) {
	if err := t.prepare(); err != nil {
		t.finishFailure(row.SigRollback, err)
		return
	}

	rows, flags := t.assemble()
	if len(rows) == 0 {
		t.finishSuccess()
		return
	}

	var le *limbo.Entry
	if flags.Has(row.FlagWaitSync) {
		e, err := t.mgr.limbo.Submit(t.mgr.selfID, approxRowsLen(rows))
		if err != nil {
			t.finishFailure(row.SigSyncRollback, err)
			return
		}
		le = e
		t.mu.Lock()
		t.limboEntry = e
		t.mu.Unlock()
	}

	entry := row.NewJournalEntry(rows, flags, func(sig row.Signature) {
		if !sig.OK() {
			t.finishFailure(sig, sig.Err())
			return
		}
		if le == nil {
			t.finishSuccessWithSignature(sig)
			return
		}
		t.mgr.limbo.AssignLSN(le, uint64(sig))
		go func() {
			outcome, err := t.mgr.limbo.WaitComplete(ctx, le)
			if outcome == limbo.WaitSuccess {
				t.finishSuccessWithSignature(sig)
				return
			}
			t.finishFailure(row.SigSyncRollback, err)
		}()
	})

	t.mu.Lock()
	t.journalEntry = entry
	t.mu.Unlock()
	t.mgr.journal.SubmitAsync(entry)
}

// Rollback is user-requested: sets signature = ROLLBACK and runs the
// failure path (spec §4.5 rollback).
func (t *Txn) Rollback() error {
	t.mu.Lock()
	if t.status == StatusCommitted || t.status == StatusAborted {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.finishFailure(row.SigRollback, row.SigRollback.Err())
	return nil
}

func (t *Txn) finishSuccess() {
	t.finishSuccessWithSignature(row.Signature(0))
}

func (t *Txn) finishSuccessWithSignature(sig row.Signature) {
	t.mu.Lock()
	if t.status == StatusCommitted || t.status == StatusAborted {
		t.mu.Unlock()
		return
	}
	t.status = StatusCommitted
	t.signature = sig
	onWalWrite := t.onWalWrite
	// on_commit triggers fire in reverse registration order so earlier
	// triggers observe later triggers' effects (spec §4.5, DDL note).
	onCommit := make([]func(), len(t.onCommit))
	copy(onCommit, t.onCommit)
	done := t.done
	t.mu.Unlock()

	for _, fn := range onWalWrite {
		fn()
	}
	for i := len(onCommit) - 1; i >= 0; i-- {
		onCommit[i]()
	}
	close(done)
}

func (t *Txn) finishFailure(sig row.Signature, cause error) {
	t.mu.Lock()
	if t.status == StatusCommitted || t.status == StatusAborted {
		t.mu.Unlock()
		return
	}
	t.status = StatusAborted
	t.signature = sig
	statements := t.statements
	onRollback := make([]func(error), len(t.onRollback))
	copy(onRollback, t.onRollback)
	done := t.done
	t.mu.Unlock()

	// statement rollback triggers run forward so each statement's
	// rollback sees the schema already restored by earlier ones.
	for _, st := range statements {
		for _, fn := range st.OnRollback {
			fn()
		}
		if st.Engine != nil {
			_ = st.Engine.Rollback(context.Background())
		}
	}
	for _, fn := range onRollback {
		fn(cause)
	}
	close(done)
}

// OnCommit/OnRollback/OnWalWrite register txn-level triggers (spec §3
// Txn on_commit/on_rollback/on_wal_write).
func (t *Txn) OnCommit(fn func())        { t.mu.Lock(); t.onCommit = append(t.onCommit, fn); t.mu.Unlock() }
func (t *Txn) OnRollback(fn func(error)) { t.mu.Lock(); t.onRollback = append(t.onRollback, fn); t.mu.Unlock() }
func (t *Txn) OnWalWrite(fn func())      { t.mu.Lock(); t.onWalWrite = append(t.onWalWrite, fn); t.mu.Unlock() }
