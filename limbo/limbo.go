package limbo

import (
	"sync"

	lock "github.com/viney-shih/go-lock"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/verrors"
	"github.com/tarantool/tntcore/wal"
)

// Limbo is the single per-process synchronous-replication queue (spec
// §3 LimboState, §4.4). There is exactly one per System, constructed
// explicitly and passed by reference (DESIGN NOTES §9).
type Limbo struct {
	cfg     config.Config
	selfID  uint32
	journal *wal.Journal

	// latch serializes concurrent PROMOTE/DEMOTE requests (invariant in
	// §4.4's "single latch" note), grounded on the same go-lock CAS
	// mutex the teacher uses to guard its two-phase commit block.
	latch lock.Mutex

	mu         sync.Mutex
	registered int
	ownerID    uint32
	frozen     bool
	closed     bool

	term                 uint64
	confirmedLSN         int64
	volatileConfirmedLSN int64
	svpConfirmedLSN      int64
	isInRollback         bool

	ackVclock       map[uint32]uint64 // peer_id -> highest lsn it has acked for the current owner
	promoteTermMap  map[uint32]uint64 // peer_id -> max term seen from it
	confirmedVclock map[uint32]uint64 // owner_id -> highest lsn ever confirmed under that owner

	queue      []*Entry
	queueBytes int64
	maxBytes   int64
	spaceFree  *sync.Cond

	// onConfirm fires after this node locally applies a CONFIRM it
	// produced as owner, so a transport collaborator can fan it out to
	// peers. Wired by the System constructor (like OnBecomeLeader) to
	// keep this package transport-agnostic.
	onConfirm func(lsn uint64)
}

func New(cfg config.Config, selfID uint32, registered int, journal *wal.Journal) *Limbo {
	l := &Limbo{
		cfg:            cfg,
		selfID:         selfID,
		journal:        journal,
		latch:          lock.NewCASMutex(),
		registered:     registered,
		ownerID:        selfID,
		confirmedLSN:   -1,
		ackVclock:       make(map[uint32]uint64),
		promoteTermMap:  make(map[uint32]uint64),
		confirmedVclock: make(map[uint32]uint64),
		maxBytes:        cfg.JournalQueueMaxSize,
	}
	l.spaceFree = sync.NewCond(&l.mu)
	return l
}

// OwnerID, Term, ConfirmedLSN are read-only snapshots for callers like
// Txn that decide whether a commit must wait on the limbo (spec §4.5).
func (l *Limbo) OwnerID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ownerID
}

func (l *Limbo) IsOwner() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ownerID == l.selfID
}

func (l *Limbo) Term() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.term
}

func (l *Limbo) ConfirmedLSN() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.confirmedLSN
}

func (l *Limbo) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Freeze refuses new submissions (used while the node is recovering or
// shutting down); Unfreeze resumes them.
func (l *Limbo) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
}

func (l *Limbo) Unfreeze() {
	l.mu.Lock()
	l.frozen = false
	l.mu.Unlock()
}

func (l *Limbo) Close() {
	l.mu.Lock()
	l.closed = true
	l.spaceFree.Broadcast()
	l.mu.Unlock()
}

// SetRegistered updates the replicaset size used for bootstrap quorum
// truncation (spec §4.4 invariant 6).
func (l *Limbo) SetRegistered(n int) {
	l.mu.Lock()
	l.registered = n
	l.mu.Unlock()
}

func (l *Limbo) quorumLocked() int {
	return l.cfg.Quorum(l.registered)
}

func (l *Limbo) lastQueuedLSNLocked() int64 {
	last := int64(-1)
	for _, e := range l.queue {
		if lsn := e.LSN(); lsn > last {
			last = lsn
		}
	}
	return last
}

func (l *Limbo) firstQueuedLSNLocked() int64 {
	for _, e := range l.queue {
		if lsn := e.LSN(); lsn >= 0 {
			return lsn
		}
	}
	return -1
}

// OnConfirm installs the fan-out callback maybeAdvance invokes once a
// quorum-reached CONFIRM commits locally, so the owner can broadcast it
// to peers. Mirrors OnBecomeLeader's wiring shape.
func (l *Limbo) OnConfirm(fn func(lsn uint64)) {
	l.mu.Lock()
	l.onConfirm = fn
	l.mu.Unlock()
}

// OnBecomeLeader makes selfID the limbo owner. It does not re-emit any
// rows: rows this node wrote as a follower are not resent from
// confirmed_lsn+1, and the resume point it computes is not passed on.
// Wired by the System constructor via raft.SM.OnBecomeLeader, not called
// directly by raft to avoid a package import cycle.
func (l *Limbo) OnBecomeLeader(selfID uint32) {
	l.mu.Lock()
	l.ownerID = selfID
	resumeFrom := l.confirmedLSN + 1
	l.mu.Unlock()
	_ = resumeFrom // not used further
}

// Snapshot is the LimboState slice a checkpoint barrier records (spec §3
// LimboState, §4.6). ConfirmedVclock exists only to be carried inside a
// checkpoint: it is never put on the replication wire (spec §6).
type Snapshot struct {
	OwnerID         uint32
	Term            uint64
	ConfirmedLSN    int64
	ConfirmedVclock map[uint32]uint64
}

func (l *Limbo) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	cv := make(map[uint32]uint64, len(l.confirmedVclock))
	for k, v := range l.confirmedVclock {
		cv[k] = v
	}
	return Snapshot{
		OwnerID:         l.ownerID,
		Term:            l.term,
		ConfirmedLSN:    l.confirmedLSN,
		ConfirmedVclock: cv,
	}
}

// AckVclockSnapshot exposes the peer ack-vclock the limbo accumulates
// while owner (spec §4.6 "limbo_vclock"); callers see an
// eventually-consistent view, same as any other ack-vclock reader (§5).
func (l *Limbo) AckVclockSnapshot() map[uint32]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := make(map[uint32]uint64, len(l.ackVclock))
	for k, v := range l.ackVclock {
		snap[k] = v
	}
	return snap
}

// PromoteTermMapSnapshot exposes the per-peer max-term-seen map (spec §3
// LimboState promote_term_map). The checkpoint barrier's
// "raft_remote_snapshot" is sourced from here rather than from the raft
// package, since term observations arrive at the limbo via
// PROMOTE/DEMOTE processing, not through raft's own RPCs (DESIGN.md
// Open Question decision).
func (l *Limbo) PromoteTermMapSnapshot() map[uint32]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := make(map[uint32]uint64, len(l.promoteTermMap))
	for k, v := range l.promoteTermMap {
		snap[k] = v
	}
	return snap
}

// TailEntry returns the most recently queued entry, or nil when the
// limbo is empty (spec §4.6: the checkpoint barrier installs triggers on
// "the current last synchronous limbo entry").
func (l *Limbo) TailEntry() *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	return l.queue[len(l.queue)-1]
}

func errNotOwner() error {
	return verrors.New(verrors.SyncRollback, "not the limbo owner")
}
