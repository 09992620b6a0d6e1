package txn

import (
	"context"

	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/verrors"
)

// Statement is one staged change within a Txn (spec §3 Statement).
type Statement struct {
	Kind     row.Type
	Space    string
	OldTuple []byte
	NewTuple []byte

	// RollbackInfo is engine-specific undo state, opaque to txn.
	RollbackInfo interface{}
	Engine       EngineSavepoint

	// Sync marks a statement that touches a space configured for
	// synchronous replication (spec §4.5 flag computation).
	Sync bool

	// Row is the wire row this statement will contribute to the journal
	// entry at prepare time, or nil for a pure read (spec §4.5 journal-
	// entry assembly: "nil if the statement had no row").
	Row *row.Row

	OnCommit   []func()
	OnRollback []func()
}

// AddStatement appends a new statement and implicitly records a
// savepoint boundary for it (spec §4.5 add_statement).
func (t *Txn) AddStatement(kind row.Type, space string, old, new []byte) (*Statement, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusInProgress {
		return nil, verrors.New(verrors.NoTransaction, "txn is not in progress")
	}
	st := &Statement{Kind: kind, Space: space, OldTuple: old, NewTuple: new}
	t.statements = append(t.statements, st)
	return st, nil
}

// Savepoint returns a handle to the current statement count; rolling
// back to it truncates statements[] back to this point (spec §4.5
// savepoint). An empty name is legal — the handle is still usable via
// RollbackTo, just not by name.
func (t *Txn) Savepoint(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	svp := len(t.statements)
	if name != "" {
		if t.svpNames == nil {
			t.svpNames = make(map[string]int)
		}
		t.svpNames[name] = svp
	}
	return svp
}

// SavepointByName resolves a name recorded by Savepoint.
func (t *Txn) SavepointByName(name string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	svp, ok := t.svpNames[name]
	return svp, ok
}

// RollbackTo reverse-iterates statements beyond svp, fires their
// per-statement rollback triggers, and releases their engine savepoints;
// the txn itself remains open (spec §4.5 rollback_to).
func (t *Txn) RollbackTo(ctx context.Context, svp int) error {
	t.mu.Lock()
	if svp > len(t.statements) {
		t.mu.Unlock()
		return verrors.New(verrors.SubStmtMax, "savepoint %d is beyond the current statement count", svp)
	}
	victims := append([]*Statement(nil), t.statements[svp:]...)
	t.statements = t.statements[:svp]
	t.mu.Unlock()

	for i := len(victims) - 1; i >= 0; i-- {
		st := victims[i]
		for j := len(st.OnRollback) - 1; j >= 0; j-- {
			st.OnRollback[j]()
		}
		if st.Engine != nil {
			if err := st.Engine.Rollback(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
