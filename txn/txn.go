// Package txn implements the transaction state machine of spec §4.5:
// InProgress -> (Aborted | Prepared -> (Committed | Aborted)), with
// statements, savepoints, triggers and the journal/limbo hookup that
// decides whether a commit is synchronous.
package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lock "github.com/viney-shih/go-lock"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/verrors"
	"github.com/tarantool/tntcore/wal"
)

// Status is the lifecycle stage of a Txn (spec §4.5).
type Status int

const (
	StatusInProgress Status = iota
	StatusInReadView
	StatusAborted
	StatusPrepared
	StatusCommitted
)

// EngineSavepoint is the shape a storage engine hands back for a
// statement's rollback point, modeled on pgx.Tx's Commit/Rollback pair
// (storage/txn.go's sqlTX field in the teacher).
type EngineSavepoint interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Manager owns the process-wide monotonic prepare sequence number and
// peer identity every Txn is built from. One per System (DESIGN NOTES
// §9), not a package singleton.
type Manager struct {
	cfg     config.Config
	selfID  uint32
	journal *wal.Journal
	limbo   *limbo.Limbo
	nextID  uint64
	nextPSN uint64
}

func NewManager(cfg config.Config, selfID uint32, journal *wal.Journal, lb *limbo.Limbo) *Manager {
	return &Manager{cfg: cfg, selfID: selfID, journal: journal, limbo: lb}
}

// Begin starts a new Txn in InProgress (spec §4.5 begin).
func (m *Manager) Begin() *Txn {
	return &Txn{
		id:        atomic.AddUint64(&m.nextID, 1),
		status:    StatusInProgress,
		isolation: m.cfg.TxnIsolation,
		canYield:  true,
		latch:     lock.NewCASMutex(),
		done:      make(chan struct{}),
		mgr:       m,
	}
}

// Txn is one in-progress or finished transaction (spec §3 Txn).
type Txn struct {
	mgr *Manager

	id     uint64
	psn    uint64
	status Status

	isolation config.IsolationLevel
	timeout   time.Duration
	forceAsync bool
	canYield   bool

	statements []*Statement
	svpNames   map[string]int // savepoint name -> statement-count boundary

	onCommit   []func()
	onRollback []func(error)
	onWalWrite []func()

	limboEntry   *limbo.Entry
	journalEntry *row.JournalEntry
	signature    row.Signature

	// DeferredFKCount, when set, reports the number of still-deferred FK
	// checks (spec §4.5 prepare step 1). Nil means zero, the common case
	// outside SQL's deferred-constraint mode.
	DeferredFKCount func() int
	// EnginePrepare runs conflict detection at prepare time (spec §4.5
	// prepare step 3). Nil is a no-op.
	EnginePrepare func(*Txn) error

	latch lock.Mutex
	mu    sync.Mutex
	done  chan struct{}

	yieldAborted bool
}

func (t *Txn) ID() uint64       { return t.id }
func (t *Txn) PSN() uint64      { return t.psn }
func (t *Txn) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}
func (t *Txn) Signature() row.Signature {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signature
}

// LimboEntry returns the limbo slot this txn is waiting on, or nil for a
// non-synchronous commit. The checkpoint barrier reads this off the
// limbo's own tail entry rather than a specific txn, but it's exposed
// here too for diagnostics and tests.
func (t *Txn) LimboEntry() *limbo.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limboEntry
}

// SetIsolation must be called before any statement is added (spec §4.5
// set_isolation).
func (t *Txn) SetIsolation(level config.IsolationLevel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.statements) > 0 {
		return verrors.New(verrors.ActiveTransaction, "isolation must be set before the first statement")
	}
	t.isolation = level
	return nil
}

// SetTimeout installs a rollback timer (spec §4.5 set_timeout). Zero
// disables it.
func (t *Txn) SetTimeout(d time.Duration) {
	t.mu.Lock()
	t.timeout = d
	t.mu.Unlock()
	if d <= 0 {
		return
	}
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = t.Rollback()
		case <-t.done:
		}
	}()
}

// SetCanYield toggles the yield-abort trigger (spec §4.5 set_can_yield):
// clearing it means the next implicit yield inside this txn's fiber
// auto-aborts it with IS_ABORTED_BY_YIELD.
func (t *Txn) SetCanYield(can bool) {
	t.mu.Lock()
	t.canYield = can
	t.mu.Unlock()
}

// SetForceAsync asserts FORCE_ASYNC: the commit sets neither WAIT_SYNC
// nor WAIT_ACK regardless of what the statements touch, except when
// Config.ForbidForceAsyncBypass is set and the limbo is non-empty, in
// which case flags are computed as for any other txn (spec §4.5, §9 open
// question on FORCE_ASYNC bypassing a non-empty limbo).
func (t *Txn) SetForceAsync(v bool) {
	t.mu.Lock()
	t.forceAsync = v
	t.mu.Unlock()
}

// Yield is the fiber's implicit yield point; if can_yield was cleared,
// this aborts the txn instead of actually suspending (spec §4.5).
func (t *Txn) Yield() error {
	t.mu.Lock()
	if !t.canYield {
		t.yieldAborted = true
		t.mu.Unlock()
		_ = t.Rollback()
		return verrors.New(verrors.IsAbortedByYield, "implicit yield aborted the transaction")
	}
	t.mu.Unlock()
	return nil
}
