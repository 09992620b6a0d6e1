// Package vclock implements the per-peer log sequence number vector
// shared read-only across the journal, limbo, and raft packages (spec
// §3, §4.1). Mutation is guarded by a single latch, the same discipline
// the teacher uses around LogManager.lsn (storage/log_manager.go).
package vclock

import "sync"

// Order is the result of comparing two clocks component-wise. Two clocks
// are Incomparable whenever neither dominates the other — callers must not
// fall back to comparing Sum() in that case (spec §4.1, DESIGN NOTES §9).
type Order int

const (
	Equal Order = iota
	Less
	Greater
	Incomparable
)

// Clock is a mapping from peer id to the highest LSN observed for that
// peer. All methods are safe for concurrent use.
type Clock struct {
	mu sync.Mutex
	m  map[uint32]uint64
}

func New() *Clock {
	return &Clock{m: make(map[uint32]uint64)}
}

// FromMap builds a Clock seeded from an existing snapshot (e.g. recovered
// from a checkpoint). The argument is copied.
func FromMap(src map[uint32]uint64) *Clock {
	c := New()
	for k, v := range src {
		c.m[k] = v
	}
	return c
}

// Get returns the sequence number currently tracked for id.
func (c *Clock) Get(id uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[id]
}

// Inc assigns the next sequence number for id (current+1) and returns it.
// Used by the journal writer to mint new self-originated LSNs.
func (c *Clock) Inc(id uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.m[id] + 1
	c.m[id] = next
	return next
}

// Follow advances the component for id to lsn, panicking if lsn does not
// strictly increase it. Used when adopting an externally-produced LSN
// (replaying a peer's row stream, or recovering from the log).
func (c *Clock) Follow(id uint32, lsn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lsn <= c.m[id] {
		panic("vclock: follow must strictly increase the component")
	}
	c.m[id] = lsn
}

// Bump is like Follow but tolerates lsn <= current (a no-op merge of a
// single component), returning whether it actually advanced.
func (c *Clock) Bump(id uint32, lsn uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lsn <= c.m[id] {
		return false
	}
	c.m[id] = lsn
	return true
}

// Merge takes the component-wise max with other; never decreases any
// component of c.
func (c *Clock) Merge(other *Clock) {
	snap := other.Snapshot()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, lsn := range snap {
		if lsn > c.m[id] {
			c.m[id] = lsn
		}
	}
}

// MergeMap is Merge against a plain map, for callers holding a wire-decoded
// vclock rather than a live *Clock (e.g. a PROMOTE's confirmed_vclock).
func (c *Clock) MergeMap(other map[uint32]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, lsn := range other {
		if lsn > c.m[id] {
			c.m[id] = lsn
		}
	}
}

// Compare returns how c relates to other under the component-wise partial
// order. Incomparable whenever neither dominates: callers deciding "has
// peer P seen LSN L of origin O" must check the single component, not Sum.
func (c *Clock) Compare(other *Clock) Order {
	a, b := c.Snapshot(), other.Snapshot()
	return compareMaps(a, b)
}

func compareMaps(a, b map[uint32]uint64) Order {
	ids := make(map[uint32]struct{}, len(a)+len(b))
	for id := range a {
		ids[id] = struct{}{}
	}
	for id := range b {
		ids[id] = struct{}{}
	}
	aLess, aGreater := false, false
	for id := range ids {
		if a[id] < b[id] {
			aLess = true
		} else if a[id] > b[id] {
			aGreater = true
		}
	}
	switch {
	case !aLess && !aGreater:
		return Equal
	case aLess && !aGreater:
		return Less
	case aGreater && !aLess:
		return Greater
	default:
		return Incomparable
	}
}

// Dominates reports whether c >= other component-wise (Equal or Greater).
func (c *Clock) Dominates(other *Clock) bool {
	o := c.Compare(other)
	return o == Equal || o == Greater
}

// DominatesMap is Dominates against a plain snapshot.
func (c *Clock) DominatesMap(other map[uint32]uint64) bool {
	a := c.Snapshot()
	o := compareMaps(a, other)
	return o == Equal || o == Greater
}

// Sum is the scalar signature used as a tie-breaker only, never as a
// substitute for Compare (spec §4.1, DESIGN NOTES §9).
func (c *Clock) Sum() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s uint64
	for _, v := range c.m {
		s += v
	}
	return s
}

// Snapshot returns a copy of the underlying map, safe to retain.
func (c *Clock) Snapshot() map[uint32]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// Clone returns an independent copy of c.
func (c *Clock) Clone() *Clock {
	return FromMap(c.Snapshot())
}
