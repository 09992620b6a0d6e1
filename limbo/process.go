package limbo

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/verrors"
)

// Process handles an inbound CONFIRM/ROLLBACK/PROMOTE/DEMOTE record
// (spec §4.4 public contract), applying split-brain validation before
// any state changes. CONFIRM/ROLLBACK arriving here are always from
// replication (owner monopoly, invariant 1): the owner's own records are
// produced and applied directly by maybeAdvance instead.
func (l *Limbo) Process(req Request) error {
	switch req.Kind {
	case ReqConfirm:
		return l.applyConfirm(req)
	case ReqRollback:
		return l.applyRollback(req)
	case ReqPromote, ReqDemote:
		return l.applyPromoteDemote(req)
	default:
		return verrors.New(verrors.Unknown, "unrecognized synchro request kind %d", req.Kind)
	}
}

// applyConfirm implements invariant 3 (LSN monotonicity per owner) and
// testable property 7 (idempotence): lsn <= confirmed_lsn is a silent no-op; lsn
// beyond the queue's span on a non-empty queue is SPLIT_BRAIN.
func (l *Limbo) applyConfirm(req Request) error {
	l.mu.Lock()
	if int64(req.LSN) <= l.confirmedLSN {
		l.mu.Unlock()
		return nil
	}
	if last := l.lastQueuedLSNLocked(); len(l.queue) > 0 && last >= 0 && int64(req.LSN) > last {
		l.mu.Unlock()
		return verrors.New(verrors.SplitBrain, "confirm lsn %d exceeds last queued lsn %d", req.LSN, last)
	}
	l.mu.Unlock()
	l.applyConfirmLocal(req.LSN)
	return nil
}

// applyRollback rolls back every entry at lsn >= req.LSN, in reverse
// order (reversed-rollback rule, invariant 4).
func (l *Limbo) applyRollback(req Request) error {
	l.mu.Lock()
	i := 0
	for i < len(l.queue) {
		if lsn := l.queue[i].LSN(); lsn >= 0 && lsn >= int64(req.LSN) {
			break
		}
		i++
	}
	victims := l.queue[i:]
	l.queue = l.queue[:i]
	var bytes int64
	for _, e := range victims {
		bytes += int64(e.ApproxLen)
	}
	l.queueBytes -= bytes
	l.spaceFree.Broadcast()
	l.mu.Unlock()

	err := row.SigSyncRollback.Err()
	for i := len(victims) - 1; i >= 0; i-- {
		victims[i].complete(Rollback, err)
	}
	return nil
}

// applyPromoteDemote runs the begin/validate/commit/rollback sequence of
// spec §4.4 "PROMOTE/DEMOTE processing". It is the only place that takes
// l.latch, so two concurrent requests always serialize here.
func (l *Limbo) applyPromoteDemote(req Request) error {
	l.latch.Lock()
	defer l.latch.Unlock()

	l.mu.Lock()
	svpConfirmedLSN := l.confirmedLSN
	l.isInRollback = true
	l.svpConfirmedLSN = svpConfirmedLSN
	l.volatileConfirmedLSN = int64(req.LSN)

	var validateErr error
	switch {
	case req.Term <= l.term:
		config.Warn(false, fmt.Sprintf("rejecting promote/demote: term %d is not greater than current term %d", req.Term, l.term))
		validateErr = verrors.New(verrors.SplitBrain, "term %d is not greater than current term %d", req.Term, l.term)
	case int64(req.LSN) < l.confirmedLSN:
		config.Warn(false, fmt.Sprintf("rejecting promote/demote: lsn %d is behind confirmed_lsn %d", req.LSN, l.confirmedLSN))
		validateErr = verrors.New(verrors.SplitBrain, "lsn %d is behind confirmed_lsn %d", req.LSN, l.confirmedLSN)
	default:
		if len(l.queue) > 0 && int64(req.LSN) != l.confirmedLSN {
			first, last := l.firstQueuedLSNLocked(), l.lastQueuedLSNLocked()
			if first >= 0 && last >= 0 && (int64(req.LSN) < first || int64(req.LSN) > last) {
				config.Warn(false, fmt.Sprintf("rejecting promote/demote: lsn %d falls outside queue span [%d,%d]", req.LSN, first, last))
				validateErr = verrors.New(verrors.SplitBrain, "lsn %d falls outside queue span [%d,%d]", req.LSN, first, last)
			}
		}
	}
	l.mu.Unlock()

	if validateErr != nil {
		l.mu.Lock()
		l.volatileConfirmedLSN = svpConfirmedLSN
		l.isInRollback = false
		l.mu.Unlock()
		return validateErr
	}

	rowType := row.TypePromote
	if req.Kind == ReqDemote {
		rowType = row.TypeDemote
	}
	body, err := json.Marshal(promoteDemoteBody{OriginID: req.OriginID, Term: req.Term})
	if err != nil {
		l.mu.Lock()
		l.volatileConfirmedLSN = svpConfirmedLSN
		l.isInRollback = false
		l.mu.Unlock()
		return err
	}
	r := &row.Row{Type: rowType, PeerID: req.PeerID, LSN: req.LSN, Body: body}
	entry := row.NewJournalEntry([]*row.Row{r}, 0, nil)
	sig := l.journal.SubmitSync(entry)
	if !sig.OK() {
		l.mu.Lock()
		l.volatileConfirmedLSN = svpConfirmedLSN
		l.isInRollback = false
		l.mu.Unlock()
		return sig.Err()
	}

	l.mu.Lock()
	oldOwner := l.ownerID
	if req.Kind == ReqPromote {
		l.ownerID = req.OriginID
	} else {
		l.ownerID = 0
	}
	l.term = req.Term
	if seen := l.promoteTermMap[req.PeerID]; req.Term > seen {
		l.promoteTermMap[req.PeerID] = req.Term
	}
	toConfirm := l.popUpToLocked(int64(req.LSN))
	toRollback := l.queue
	l.queue = nil
	l.queueBytes = 0
	if req.LSN > l.confirmedVclock[oldOwner] {
		l.confirmedVclock[oldOwner] = req.LSN
	}
	l.confirmedLSN = int64(req.LSN)
	l.isInRollback = false
	l.spaceFree.Broadcast()
	l.mu.Unlock()

	for _, e := range toConfirm {
		e.complete(Commit, nil)
	}
	rollbackErr := row.SigSyncRollback.Err()
	for i := len(toRollback) - 1; i >= 0; i-- {
		toRollback[i].complete(Rollback, rollbackErr)
	}
	return nil
}
