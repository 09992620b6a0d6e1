// Package wal implements the append-only journal of spec §4.2: a bounded
// submission queue drained by a single writer goroutine (the Go stand-in
// for the teacher's single writer fiber), backed by per-instance
// github.com/tidwall/wal segment storage the way storage/log_manager.go
// wraps the same library.
package wal

import (
	"sync"
	"time"

	golog "github.com/tidwall/wal"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/vclock"
)

// Journal is the single append-only log for this node. There is exactly
// one per System (DESIGN NOTES §9); callers construct it and pass it
// around explicitly rather than reaching for a package singleton.
type Journal struct {
	cfg    config.Config
	selfID uint32
	vclock *vclock.Clock

	log *golog.Log

	mu         sync.Mutex
	queue      []*row.JournalEntry
	queueBytes int64
	inRollback bool
	closed     bool
	spaceFree  *sync.Cond // signaled whenever queueBytes drops

	notify chan struct{} // buffered(1): wakes the writer when work arrives

	flushMu      sync.Mutex
	flushWaiters []chan struct{}

	watchMu  sync.Mutex
	watchers []*Watcher

	wg     sync.WaitGroup
	stopCh chan struct{}

	// WriteHook, when non-nil, replaces the real segment write. Tests use
	// it to inject IO_ERR without touching the filesystem (spec S3).
	WriteHook func(index uint64, data []byte) error
}

// Open creates or reopens the journal rooted at cfg.LogDir.
func Open(cfg config.Config, vc *vclock.Clock) (*Journal, error) {
	opts := *golog.DefaultOptions
	opts.SegmentSize = int(cfg.LogMaxSize)
	opts.NoSync = cfg.LogMode == config.LogModeNone
	l, err := golog.Open(cfg.LogDir, &opts)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		cfg:    cfg,
		selfID: cfg.SelfID,
		vclock: vc,
		log:    l,
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	j.spaceFree = sync.NewCond(&j.mu)
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// SubmitAsync enqueues entry, blocking the caller only while the queue's
// byte size is at or above JournalQueueMaxSize (spec §4.2, §5). Completion
// is delivered later via entry.OnDone.
func (j *Journal) SubmitAsync(entry *row.JournalEntry) {
	j.mu.Lock()
	for j.queueBytes >= j.cfg.JournalQueueMaxSize && j.cfg.JournalQueueMaxSize > 0 {
		j.spaceFree.Wait()
	}
	if j.inRollback {
		j.mu.Unlock()
		entry.Complete(row.SigCascade)
		return
	}
	j.queue = append(j.queue, entry)
	j.queueBytes += int64(entry.ApproxLen)
	j.mu.Unlock()
	select {
	case j.notify <- struct{}{}:
	default:
	}
}

// SubmitSync submits entry and blocks until it completes.
func (j *Journal) SubmitSync(entry *row.JournalEntry) row.Signature {
	j.SubmitAsync(entry)
	return entry.Wait()
}

// Flush waits until every entry queued as of this call is written or
// failed (spec §4.2).
func (j *Journal) Flush() {
	ch := make(chan struct{})
	j.flushMu.Lock()
	j.flushWaiters = append(j.flushWaiters, ch)
	j.flushMu.Unlock()
	select {
	case j.notify <- struct{}{}:
	default:
	}
	<-ch
}

// Sync waits for the queue to drain and returns the writer's current
// vclock snapshot (spec §4.2).
func (j *Journal) Sync() map[uint32]uint64 {
	j.Flush()
	return j.vclock.Snapshot()
}

// RotateIfFull only syncs the log to disk: github.com/tidwall/wal rotates
// segment files internally once SegmentSize is exceeded, opening the new
// file before closing the old one so followers tailing the directory never
// see a gap (the same guarantee spec §4.2 asks for).
func (j *Journal) RotateIfFull() error {
	return j.log.Sync()
}

// CheckpointBegin returns the vclock snapshot a checkpoint should record,
// and is always safe to call: it does not pause the writer.
func (j *Journal) CheckpointBegin() map[uint32]uint64 {
	return j.vclock.Snapshot()
}

// CheckpointCommit truncates the log in front of the checkpointed vclock,
// i.e. segments strictly older than it are eligible for GC (spec §4.2
// ENOSPC handling reuses the same cut point).
func (j *Journal) CheckpointCommit(upTo uint64) error {
	if upTo == 0 {
		return nil
	}
	return j.log.TruncateFront(upTo)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	close(j.stopCh)
	j.wg.Wait()
	return j.log.Close()
}

// QueueBytes reports the current submission queue size, for tests and
// metrics.
func (j *Journal) QueueBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.queueBytes
}

func (j *Journal) popBatch() []*row.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.queue) == 0 {
		return nil
	}
	batch := j.queue
	j.queue = nil
	j.queueBytes = 0
	j.spaceFree.Broadcast()
	return batch
}

func (j *Journal) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopCh:
			j.drainOnClose()
			return
		case <-j.notify:
		case <-ticker.C:
		}
		for {
			batch := j.popBatch()
			if len(batch) == 0 {
				break
			}
			j.writeBatch(batch)
		}
		j.releaseFlushWaiters()
	}
}

func (j *Journal) drainOnClose() {
	for {
		batch := j.popBatch()
		if len(batch) == 0 {
			break
		}
		j.writeBatch(batch)
	}
	j.releaseFlushWaiters()
}

func (j *Journal) releaseFlushWaiters() {
	j.mu.Lock()
	empty := len(j.queue) == 0
	j.mu.Unlock()
	if !empty {
		return
	}
	j.flushMu.Lock()
	waiters := j.flushWaiters
	j.flushWaiters = nil
	j.flushMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
