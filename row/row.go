// Package row holds the wire-level Row and the JournalEntry batch built
// from it (spec §3, §6) — the cross-subsystem object shared by wal, limbo
// and txn. Per DESIGN NOTES §9 these are handed off by value/pointer over
// channels, never mutated from two goroutines at once.
package row

import (
	"math"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tarantool/tntcore/verrors"
)

// Type is the kind of change a Row carries.
type Type uint8

const (
	TypeInsert Type = iota
	TypeUpdate
	TypeDelete
	TypeNop
	TypeConfirm
	TypeRollback
	TypePromote
	TypeDemote
	TypeRaft
)

// Group partitions rows into the default (replicated) stream or the local
// (non-replicated, peer_id always 0) stream (spec §3).
type Group uint8

const (
	GroupDefault Group = iota
	GroupLocal
)

// Flag is a bitset of per-entry commit flags (spec §4.5).
type Flag uint32

const (
	FlagWaitSync Flag = 1 << iota
	FlagWaitAck
	FlagForceAsync
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// Row is a single encoded change (spec §3, §6).
type Row struct {
	Type     Type      `json:"type"`
	PeerID   uint32     `json:"peer_id"`
	LSN      uint64     `json:"lsn"`
	TSN      uint64     `json:"tsn"`
	Group    Group      `json:"group_id"`
	Flags    Flag       `json:"flags"`
	TM       time.Time  `json:"tm"`
	IsCommit bool       `json:"is_commit,omitempty"`
	Sync     bool       `json:"sync,omitempty"`
	Body     []byte     `json:"body,omitempty"`
}

// Encode serializes r as a self-describing map, matching the teacher's
// goccy/go-json use for every wire message (network/msg.go).
func (r *Row) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func Decode(b []byte) (*Row, error) {
	var r Row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Signature is the outcome of a JournalEntry: >= 0 is the max LSN of the
// batch on success; the negative sentinels below are the error codes of
// spec §3/§7.
type Signature int64

const (
	SigUnknown       Signature = math.MinInt64
	SigIOErr         Signature = -1
	SigCascade       Signature = -2
	SigRollback      Signature = -3
	SigQuorumTimeout Signature = -4
	SigSyncRollback  Signature = -5
)

func (s Signature) OK() bool { return s >= 0 }

// Err converts a failed Signature into a *verrors.Error; panics if OK().
func (s Signature) Err() error {
	switch s {
	case SigIOErr:
		return verrors.New(verrors.WALIOErr, "journal write failed")
	case SigCascade:
		return verrors.New(verrors.CascadeRollback, "earlier entry in submission stream failed")
	case SigRollback:
		return verrors.New(verrors.SyncRollback, "user rollback")
	case SigQuorumTimeout:
		return verrors.New(verrors.SyncQuorumTimeout, "quorum not reached before timeout")
	case SigSyncRollback:
		return verrors.New(verrors.SyncRollback, "limbo owner changed")
	case SigUnknown:
		panic("row: signature still unknown")
	default:
		if s < 0 {
			return verrors.New(verrors.Unknown, "unrecognized signature %d", int64(s))
		}
		return nil
	}
}

// DoneFunc is invoked exactly once when a JournalEntry's outcome is known.
type DoneFunc func(sig Signature)

// JournalEntry is a batch of rows submitted to the journal as one atomic
// write (spec §3). The submitter owns it until OnDone fires; the journal
// only ever borrows it during the write.
type JournalEntry struct {
	Rows      []*Row
	ApproxLen int
	Flags     Flag
	OnDone    DoneFunc

	mu        sync.Mutex
	signature Signature
	done      bool
	waitCh    chan struct{}
}

func NewJournalEntry(rows []*Row, flags Flag, onDone DoneFunc) *JournalEntry {
	return &JournalEntry{
		Rows:      rows,
		ApproxLen: approxLen(rows),
		Flags:     flags,
		OnDone:    onDone,
		signature: SigUnknown,
		waitCh:    make(chan struct{}),
	}
}

func approxLen(rows []*Row) int {
	n := 0
	for _, r := range rows {
		n += len(r.Body) + 64
	}
	return n
}

// Signature returns the current outcome (SigUnknown until Complete runs).
func (e *JournalEntry) Signature() Signature {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signature
}

// Complete sets the outcome exactly once and invokes OnDone; later calls
// are no-ops so a racing cascade-fail and a real completion can't clobber
// each other.
func (e *JournalEntry) Complete(sig Signature) {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.signature = sig
	ch := e.waitCh
	e.mu.Unlock()
	close(ch)
	if e.OnDone != nil {
		e.OnDone(sig)
	}
}

// Wait blocks until Complete has run and returns the final signature.
func (e *JournalEntry) Wait() Signature {
	e.mu.Lock()
	ch := e.waitCh
	e.mu.Unlock()
	<-ch
	return e.Signature()
}

// MaxLSN returns the highest LSN assigned among the batch's rows.
func (e *JournalEntry) MaxLSN() uint64 {
	var max uint64
	for _, r := range e.Rows {
		if r.LSN > max {
			max = r.LSN
		}
	}
	return max
}
