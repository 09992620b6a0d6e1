package txn

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/vclock"
	"github.com/tarantool/tntcore/wal"
)

func testManager(t *testing.T, quorum int) *Manager {
	return testManagerCfg(t, func(cfg *config.Config) { cfg.SyncQuorum = quorum }, 1)
}

func testManagerCfg(t *testing.T, configure func(*config.Config), registered int) *Manager {
	dir, err := os.MkdirTemp("", "txn-wal-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default()
	cfg.LogDir = dir
	cfg.SelfID = 1
	if configure != nil {
		configure(&cfg)
	}
	j, err := wal.Open(cfg, vclock.New())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	lb := limbo.New(cfg, 1, registered, j)
	return NewManager(cfg, 1, j, lb)
}

// S1 — async commit: a plain insert on a single-node replicaset commits
// without touching the limbo.
func TestAsyncCommit(t *testing.T) {
	mgr := testManager(t, 1)
	tx := mgr.Begin()
	st, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, []byte("v"))
	require.NoError(t, err)
	st.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte("v")}

	err = tx.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, tx.Status())
	assert.True(t, tx.Signature().OK())
	assert.Nil(t, tx.LimboEntry(), "no statement was marked sync, so no limbo wait should happen")
}

func TestRollbackFiresTriggersForward(t *testing.T) {
	mgr := testManager(t, 1)
	tx := mgr.Begin()
	var order []int
	st1, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, nil)
	require.NoError(t, err)
	st1.OnRollback = append(st1.OnRollback, func() { order = append(order, 1) })
	st2, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, nil)
	require.NoError(t, err)
	st2.OnRollback = append(st2.OnRollback, func() { order = append(order, 2) })

	require.NoError(t, tx.Rollback())
	assert.Equal(t, StatusAborted, tx.Status())
	assert.Equal(t, []int{1, 2}, order, "rollback triggers run forward, statement order")
}

func TestCommitTriggersFireReverseOrder(t *testing.T) {
	mgr := testManager(t, 1)
	tx := mgr.Begin()
	st, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, []byte("v"))
	require.NoError(t, err)
	st.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte("v")}

	var order []int
	tx.OnCommit(func() { order = append(order, 1) })
	tx.OnCommit(func() { order = append(order, 2) })

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []int{2, 1}, order, "on_commit triggers fire in reverse registration order")
}

// S2 — a synchronous commit waits on the limbo until the configured
// quorum (self alone, here) acks its own lsn.
func TestSyncCommitWaitsOnLimbo(t *testing.T) {
	mgr := testManager(t, 1)
	tx := mgr.Begin()
	st, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, []byte("v"))
	require.NoError(t, err)
	st.Sync = true
	st.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte("v")}

	done := make(chan error, 1)
	go func() { done <- tx.Commit(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sync commit on a self-quorum replicaset should not hang")
	}
	assert.Equal(t, StatusCommitted, tx.Status())
}

func TestIsolationCannotChangeAfterFirstStatement(t *testing.T) {
	mgr := testManager(t, 1)
	tx := mgr.Begin()
	_, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, nil)
	require.NoError(t, err)
	err = tx.SetIsolation(config.IsolationReadCommitted)
	assert.Error(t, err)
}

// fakeEngine satisfies EngineSavepoint the same way a real pgx.Tx would,
// without needing a live connection.
type fakeEngine struct {
	rolledBack int
}

func (f *fakeEngine) Commit(ctx context.Context) error { return nil }
func (f *fakeEngine) Rollback(ctx context.Context) error {
	f.rolledBack++
	return nil
}

func TestRollbackReleasesStatementEngineSavepoints(t *testing.T) {
	mgr := testManager(t, 1)
	tx := mgr.Begin()
	eng := &fakeEngine{}
	st, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, nil)
	require.NoError(t, err)
	st.Engine = eng

	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, eng.rolledBack)
}

// FORCE_ASYNC bypasses a non-empty limbo by default, matching the
// source: the second txn's commit never touches the limbo even though
// an earlier sync txn is still queued in it.
func TestForceAsyncBypassesNonEmptyLimboByDefault(t *testing.T) {
	mgr := testManagerCfg(t, func(cfg *config.Config) { cfg.SyncQuorum = 2 }, 3)

	pending := mgr.Begin()
	pst, err := pending.AddStatement(row.TypeInsert, "MAIN", nil, []byte("v"))
	require.NoError(t, err)
	pst.Sync = true
	pst.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte("v")}
	pending.CommitTryAsync(context.Background())
	require.Eventually(t, func() bool { return pending.LimboEntry() != nil }, time.Second, time.Millisecond)

	tx := mgr.Begin()
	tx.SetForceAsync(true)
	st, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, []byte("w"))
	require.NoError(t, err)
	st.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte("w")}

	require.NoError(t, tx.Commit(context.Background()))
	assert.Nil(t, tx.LimboEntry(), "FORCE_ASYNC should bypass the non-empty limbo by default")

	mgr.limbo.Ack(2, uint64(pending.LimboEntry().LSN()))
	require.Eventually(t, func() bool { return pending.Status() == StatusCommitted }, time.Second, time.Millisecond)
}

// ForbidForceAsyncBypass turns the same situation into a commit that
// goes through the limbo like any other txn would.
func TestForbidForceAsyncBypassCommitsThroughLimbo(t *testing.T) {
	mgr := testManagerCfg(t, func(cfg *config.Config) {
		cfg.SyncQuorum = 2
		cfg.ForbidForceAsyncBypass = true
	}, 3)

	pending := mgr.Begin()
	pst, err := pending.AddStatement(row.TypeInsert, "MAIN", nil, []byte("v"))
	require.NoError(t, err)
	pst.Sync = true
	pst.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte("v")}
	pending.CommitTryAsync(context.Background())
	require.Eventually(t, func() bool { return pending.LimboEntry() != nil }, time.Second, time.Millisecond)

	tx := mgr.Begin()
	tx.SetForceAsync(true)
	st, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, []byte("w"))
	require.NoError(t, err)
	st.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte("w")}
	tx.CommitTryAsync(context.Background())

	require.Eventually(t, func() bool { return tx.LimboEntry() != nil }, time.Second, time.Millisecond,
		"ForbidForceAsyncBypass should route the commit through the limbo instead of bypassing it")

	mgr.limbo.Ack(2, uint64(pending.LimboEntry().LSN()))
	mgr.limbo.Ack(2, uint64(tx.LimboEntry().LSN()))

	require.Eventually(t, func() bool {
		return pending.Status() == StatusCommitted && tx.Status() == StatusCommitted
	}, time.Second, time.Millisecond)
}

func TestRollbackToReleasesOnlyTruncatedStatements(t *testing.T) {
	mgr := testManager(t, 1)
	tx := mgr.Begin()
	_, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, nil)
	require.NoError(t, err)
	svp := tx.Savepoint("mid")

	eng := &fakeEngine{}
	st2, err := tx.AddStatement(row.TypeInsert, "MAIN", nil, nil)
	require.NoError(t, err)
	st2.Engine = eng

	require.NoError(t, tx.RollbackTo(context.Background(), svp))
	assert.Equal(t, 1, eng.rolledBack)
}
