package limbo

import (
	"context"
	"time"

	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/verrors"
)

// Submit appends a new entry if self is the owner; otherwise fails with
// SYNC_ROLLBACK (spec §4.4 public contract). It blocks while the queue's
// tracked bytes are at or above the configured max, the same backpressure
// shape as wal.Journal.SubmitAsync.
func (l *Limbo) Submit(originID uint32, approxLen int) (*Entry, error) {
	l.mu.Lock()
	for l.maxBytes > 0 && l.queueBytes >= l.maxBytes && !l.closed {
		l.spaceFree.Wait()
	}
	if l.closed {
		l.mu.Unlock()
		return nil, verrors.New(verrors.Cancelled, "limbo closed")
	}
	if l.frozen {
		l.mu.Unlock()
		return nil, verrors.New(verrors.SyncRollback, "limbo frozen")
	}
	if l.ownerID != l.selfID {
		l.mu.Unlock()
		return nil, errNotOwner()
	}
	if l.isInRollback {
		l.mu.Unlock()
		return nil, verrors.New(verrors.SyncRollback, "promote/demote in flight")
	}
	e := newEntry(originID, approxLen)
	l.queue = append(l.queue, e)
	l.queueBytes += int64(approxLen)
	l.mu.Unlock()
	return e, nil
}

// AssignLSN is called by the journal's write callback: Volatile ->
// Submitted, recording lsn on the entry and the owner's own ack (spec
// §4.4 assign_lsn). It then re-checks whether the quorum condition it
// might now satisfy (a solo deployment acks itself) should advance
// confirmed_lsn. That re-check runs on its own goroutine: the journal
// calls AssignLSN from its writer goroutine, and maybeAdvance submits a
// CONFIRM to that same journal and waits for it.
func (l *Limbo) AssignLSN(e *Entry, lsn uint64) {
	e.assignLSN(int64(lsn))
	l.mu.Lock()
	if lsn > l.ackVclock[l.selfID] {
		l.ackVclock[l.selfID] = lsn
	}
	l.mu.Unlock()
	go l.maybeAdvance()
}

// Ack records a peer's acknowledgement and, if the oldest unconfirmed
// entry's lsn is now covered by a quorum of peer acks, schedules a
// CONFIRM (spec §4.4 ack). A no-op when self isn't owner.
func (l *Limbo) Ack(peerID uint32, lsn uint64) {
	l.mu.Lock()
	if l.ownerID != l.selfID {
		l.mu.Unlock()
		return
	}
	if lsn > l.ackVclock[peerID] {
		l.ackVclock[peerID] = lsn
	}
	l.mu.Unlock()
	l.maybeAdvance()
}

func (l *Limbo) ackCountLocked(lsn int64) int {
	n := 0
	for _, acked := range l.ackVclock {
		if int64(acked) >= lsn {
			n++
		}
	}
	return n
}

// maybeAdvance bumps confirmed_lsn to the highest quorum-ack level the
// queue now supports, not just the oldest entry's: a peer ack is
// cumulative (Ack records the highest lsn a peer has seen), so one ack
// can cross quorum for several queued entries at once. ackCountLocked is
// non-increasing in lsn, so the queue's Submitted entries scanned from
// the tail give the highest confirmable lsn directly, without looping
// CONFIRM-then-rescan.
func (l *Limbo) maybeAdvance() {
	l.mu.Lock()
	if l.ownerID != l.selfID || l.isInRollback {
		l.mu.Unlock()
		return
	}
	target := int64(-1)
	for i := len(l.queue) - 1; i >= 0; i-- {
		e := l.queue[i]
		if e.State() != Submitted {
			continue
		}
		lsn := e.LSN()
		if lsn < 0 || lsn <= l.confirmedLSN {
			continue
		}
		if int64(l.ackCountLocked(lsn)) >= int64(l.quorumLocked()) {
			target = lsn
			break
		}
	}
	if target < 0 {
		l.mu.Unlock()
		return
	}
	owner := l.ownerID
	l.mu.Unlock()

	r := &row.Row{Type: row.TypeConfirm, PeerID: owner, LSN: uint64(target)}
	entry := row.NewJournalEntry([]*row.Row{r}, 0, nil)
	sig := l.journal.SubmitSync(entry)
	if !sig.OK() {
		return
	}
	l.applyConfirmLocal(uint64(target))

	l.mu.Lock()
	notify := l.onConfirm
	l.mu.Unlock()
	if notify != nil {
		notify(uint64(target))
	}
}

func (l *Limbo) applyConfirmLocal(lsn uint64) {
	l.mu.Lock()
	l.confirmedLSN = int64(lsn)
	l.volatileConfirmedLSN = int64(lsn)
	if lsn > l.confirmedVclock[l.ownerID] {
		l.confirmedVclock[l.ownerID] = lsn
	}
	toConfirm := l.popUpToLocked(int64(lsn))
	l.mu.Unlock()
	for _, e := range toConfirm {
		e.complete(Commit, nil)
	}
}

// popUpToLocked removes and returns every Submitted entry with lsn <= upTo
// from the front of the queue (the queue is lsn-ordered by invariant).
func (l *Limbo) popUpToLocked(upTo int64) []*Entry {
	i := 0
	for i < len(l.queue) {
		lsn := l.queue[i].LSN()
		if lsn < 0 || lsn > upTo {
			break
		}
		i++
	}
	popped := l.queue[:i]
	l.queue = l.queue[i:]
	var bytes int64
	for _, e := range popped {
		bytes += int64(e.ApproxLen)
	}
	l.queueBytes -= bytes
	l.spaceFree.Broadcast()
	return popped
}

// WaitOutcome is the result of WaitComplete (spec §4.4 wait_complete).
type WaitOutcome int

const (
	WaitSuccess WaitOutcome = iota
	WaitFailDetach
	WaitFailComplete
	WaitNeedRollback
)

// WaitComplete blocks until e resolves to Commit or Rollback. The legacy
// timeout->NeedRollback path only fires when
// config.AllowLegacyTimeoutRollback is set (DESIGN NOTES §9): by default
// sync commits wait unconditionally and can only be resolved by the
// owner, never by a client-side timeout racing a newer leader's CONFIRM.
func (l *Limbo) WaitComplete(ctx context.Context, e *Entry) (WaitOutcome, error) {
	if !l.cfg.AllowLegacyTimeoutRollback || l.cfg.SyncTimeout <= 0 {
		select {
		case <-e.done:
		case <-ctx.Done():
			return WaitFailDetach, ctx.Err()
		}
	} else {
		timer := time.NewTimer(l.cfg.SyncTimeout)
		defer timer.Stop()
		select {
		case <-e.done:
		case <-ctx.Done():
			return WaitFailDetach, ctx.Err()
		case <-timer.C:
			return WaitNeedRollback, verrors.New(verrors.SyncQuorumTimeout, "quorum not reached before timeout")
		}
	}
	e.mu.Lock()
	state, err := e.state, e.err
	e.mu.Unlock()
	if state == Commit {
		return WaitSuccess, nil
	}
	return WaitFailComplete, err
}
