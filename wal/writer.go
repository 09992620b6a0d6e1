package wal

import (
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/tarantool/tntcore/row"
)

var nextIndexSeed uint64 // only used before the first real LastIndex() read

func (j *Journal) nextIndex() uint64 {
	idx, err := j.log.LastIndex()
	if err != nil {
		idx = atomic.AddUint64(&nextIndexSeed, 1) - 1
	}
	return idx + 1
}

// writeFn is overridden in tests to inject IO failures without touching
// the real segment files (spec S3 scenario).
func (j *Journal) writeFn(index uint64, data []byte) error {
	if j.WriteHook != nil {
		return j.WriteHook(index, data)
	}
	return j.log.Write(index, data)
}

// writeBatch assigns LSNs, encodes and persists one popped batch,
// implementing the failure policy of spec §4.2: a write error enters
// rollback mode, splits the batch at the last fully-written entry, fails
// the rest of the batch with IO_ERR and everything still queued with
// CASCADE, and keeps failing new submissions with CASCADE until the queue
// next drains empty.
func (j *Journal) writeBatch(entries []*row.JournalEntry) {
	committed := -1
	var failErr error

	for i, entry := range entries {
		j.assignLSNs(entry)
		data, err := encodeEntry(entry)
		if err != nil {
			failErr = err
			break
		}
		idx := j.nextIndex()
		if err := j.writeFn(idx, data); err != nil {
			failErr = err
			break
		}
		committed = i
	}

	if failErr != nil {
		j.enterRollback()
		for i := 0; i <= committed; i++ {
			entries[i].Complete(row.Signature(entries[i].MaxLSN()))
		}
		for i := len(entries) - 1; i > committed; i-- {
			entries[i].Complete(row.SigIOErr)
		}
		j.failCurrentQueue()
		j.publish(EventWrite)
		j.maybeExitRollback()
		return
	}

	for _, entry := range entries {
		entry.Complete(row.Signature(entry.MaxLSN()))
	}
	j.publish(EventWrite)
}

func (j *Journal) assignLSNs(entry *row.JournalEntry) {
	var tsn uint64
	haveTSN := false
	now := time.Now()
	for _, r := range entry.Rows {
		r.TM = now
		if r.Group == row.GroupLocal {
			r.LSN = j.vclock.Inc(j.selfID)
			continue
		}
		if r.PeerID == 0 {
			r.PeerID = j.selfID
		}
		r.LSN = j.vclock.Inc(r.PeerID)
		if !haveTSN {
			tsn = r.LSN
			haveTSN = true
		}
	}
	if haveTSN {
		for _, r := range entry.Rows {
			r.TSN = tsn
		}
	}
	if n := len(entry.Rows); n > 0 {
		entry.Rows[n-1].IsCommit = true
	}
}

func encodeEntry(entry *row.JournalEntry) ([]byte, error) {
	return json.Marshal(entry.Rows)
}

func (j *Journal) enterRollback() {
	j.mu.Lock()
	j.inRollback = true
	j.mu.Unlock()
}

// failCurrentQueue fails every entry still sitting in the submission
// queue with CASCADE (spec §4.2: "every entry still in the submission
// queue is failed with CASCADE"), completing them in reverse submission
// order so the most recently queued entry observes the failure first.
func (j *Journal) failCurrentQueue() {
	j.mu.Lock()
	pending := j.queue
	j.queue = nil
	j.queueBytes = 0
	j.spaceFree.Broadcast()
	j.mu.Unlock()
	for i := len(pending) - 1; i >= 0; i-- {
		pending[i].Complete(row.SigCascade)
	}
}

// maybeExitRollback clears rollback mode once the queue is empty (spec
// §4.2: "Rollback mode exits only when the queue is empty").
func (j *Journal) maybeExitRollback() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.queue) == 0 {
		j.inRollback = false
	}
}
