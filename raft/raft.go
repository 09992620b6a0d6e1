// Package raft implements the leader-election state machine of spec §4.3:
// Follower/Candidate/Leader over a persistent (term, vote) pair, driving
// who may own the limbo. It does not replicate arbitrary log entries
// (spec §1 Non-goals) — only leader-term transitions.
package raft

import (
	"math/rand"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	lock "github.com/viney-shih/go-lock"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/vclock"
)

type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "follower"
	}
}

// PersistFunc durably stores (term, vote); it is invoked off the SM's
// goroutine and must call done exactly once with the outcome. Modeled on
// storage/log_manager.go's async batch writer: the SM acts on the new
// term/vote while the write is in flight, and volatileTerm/volatileVote
// are updated to the pair only once done reports success.
type PersistFunc func(term uint64, vote uint32, done func(error))

// Transport broadcasts this node's state to peers once it becomes Leader
// and issues vote requests while Candidate. It is a collaborator (spec
// §1): the SM never opens a socket itself.
type Transport interface {
	RequestVote(peer uint32, req VoteRequest)
	BroadcastLeader(term uint64, leaderID uint32)
}

type VoteRequest struct {
	Term        uint64
	CandidateID uint32
	Vclock      map[uint32]uint64
}

type VoteResponse struct {
	Term    uint64
	Granted bool
}

// SM is the per-process Raft state machine (spec §3 RaftState). There is
// exactly one per System; it is constructed explicitly and handed to
// system.System, never reached via a package singleton (DESIGN NOTES §9).
type SM struct {
	latch lock.Mutex
	mu    sync.Mutex

	selfID uint32
	peers  map[uint32]struct{}
	vclock *vclock.Clock
	cfg    config.Config

	persist   PersistFunc
	transport Transport

	state    State
	leaderID uint32

	term         uint64
	vote         uint32 // 0 = no vote cast
	volatileTerm uint64
	volatileVote uint32

	voteMask mapset.Set // peer ids that granted a vote this term
	enabled  bool

	timer       *time.Timer
	stopCh      chan struct{}
	leaderSeen  time.Time
	onBecomeLdr []func()
}

func New(cfg config.Config, selfID uint32, peers []uint32, vc *vclock.Clock, persist PersistFunc, transport Transport) *SM {
	peerSet := make(map[uint32]struct{}, len(peers))
	for _, p := range peers {
		peerSet[p] = struct{}{}
	}
	sm := &SM{
		latch:     lock.NewCASMutex(),
		selfID:    selfID,
		peers:     peerSet,
		vclock:    vc,
		cfg:       cfg,
		persist:   persist,
		transport: transport,
		state:     Follower,
		voteMask:  mapset.NewSet(),
		enabled:   cfg.ElectionMode == config.ElectionCandidate || cfg.ElectionMode == config.ElectionVoter,
		stopCh:    make(chan struct{}),
	}
	return sm
}

// Restore seeds (term, vote) from a recovered log before Start is called
// (spec §9: raft state survives a restart same as everything else).
func (sm *SM) Restore(term uint64, vote uint32) {
	sm.mu.Lock()
	sm.term, sm.vote = term, vote
	sm.volatileTerm, sm.volatileVote = term, vote
	sm.mu.Unlock()
}

// OnBecomeLeader registers a callback fired synchronously, after the
// state lock is released, every time this node transitions to Leader —
// system.New uses it to hand limbo ownership to this node.
func (sm *SM) OnBecomeLeader(fn func()) {
	sm.mu.Lock()
	sm.onBecomeLdr = append(sm.onBecomeLdr, fn)
	sm.mu.Unlock()
}

func (sm *SM) quorum() int {
	return sm.cfg.Quorum(len(sm.peers) + 1)
}

// Start begins the randomized election timer. A no-op unless the
// election mode is candidate (off, voter and manual never start it).
func (sm *SM) Start() {
	if sm.cfg.ElectionMode != config.ElectionCandidate {
		return
	}
	sm.resetElectionTimer()
	go sm.loop()
}

func (sm *SM) Stop() {
	close(sm.stopCh)
}

func (sm *SM) loop() {
	for {
		select {
		case <-sm.stopCh:
			return
		case <-sm.timerC():
			sm.onElectionTimeout()
		}
	}
}

func (sm *SM) timerC() <-chan time.Time {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.timer == nil {
		return make(chan time.Time)
	}
	return sm.timer.C
}

func (sm *SM) resetElectionTimer() {
	base := sm.cfg.ElectionTimeout
	jitter := time.Duration(rand.Int63n(int64(base) / 10))
	sm.mu.Lock()
	if sm.timer == nil {
		sm.timer = time.NewTimer(base + jitter)
	} else {
		sm.timer.Reset(base + jitter)
	}
	sm.mu.Unlock()
}

// State/Term/LeaderID/IsLeader give read-only snapshots; TX observes Raft
// state only via whatever this returns at the moment it asks (spec §5:
// it may lag the real limbo by a message round trip in a multi-process
// deployment, but in-process it's always current).
func (sm *SM) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *SM) Term() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.term
}

func (sm *SM) LeaderID() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.leaderID
}

func (sm *SM) IsLeader() bool {
	return sm.State() == Leader
}

// Durable reports whether the last (term, vote) decision has actually
// landed on disk yet, i.e. whether volatileTerm/volatileVote (set when a
// write completes) have caught up with term/vote.
func (sm *SM) Durable() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.volatileTerm == sm.term && sm.volatileVote == sm.vote
}
