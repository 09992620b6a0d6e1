package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/vclock"
)

func testCfg() config.Config {
	cfg := config.Default()
	cfg.ElectionMode = config.ElectionCandidate
	cfg.ElectionTimeout = 20 * time.Millisecond
	cfg.SyncQuorum = 2
	return cfg
}

func noopPersist(term uint64, vote uint32, done func(error)) {
	done(nil)
}

func TestRequestVoteGrantedOnUpToDateCandidate(t *testing.T) {
	vc := vclock.New()
	vc.Follow(1, 5)
	sm := New(testCfg(), 1, []uint32{2, 3}, vc, noopPersist, nil)

	req := VoteRequest{Term: 1, CandidateID: 2, Vclock: map[uint32]uint64{1: 5}}
	resp := sm.RequestVote(req)
	assert.True(t, resp.Granted)
	assert.Equal(t, uint64(1), resp.Term)
}

func TestRequestVoteRefusedWhenCandidateBehind(t *testing.T) {
	vc := vclock.New()
	vc.Follow(1, 10)
	sm := New(testCfg(), 1, []uint32{2, 3}, vc, noopPersist, nil)

	req := VoteRequest{Term: 1, CandidateID: 2, Vclock: map[uint32]uint64{1: 3}}
	resp := sm.RequestVote(req)
	assert.False(t, resp.Granted)
}

func TestRequestVoteRefusedForStaleTerm(t *testing.T) {
	vc := vclock.New()
	sm := New(testCfg(), 1, []uint32{2, 3}, vc, noopPersist, nil)
	sm.Restore(5, 0)

	resp := sm.RequestVote(VoteRequest{Term: 3, CandidateID: 2, Vclock: map[uint32]uint64{}})
	assert.False(t, resp.Granted)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestCandidateBecomesLeaderOnQuorum(t *testing.T) {
	vc := vclock.New()
	sm := New(testCfg(), 1, []uint32{2, 3}, vc, noopPersist, nil)
	sm.mu.Lock()
	sm.state = Candidate
	sm.term = 1
	sm.mu.Unlock()

	becameLeader := false
	sm.OnBecomeLeader(func() { becameLeader = true })

	sm.HandleVoteResponse(2, VoteResponse{Term: 1, Granted: true})
	require.Equal(t, Candidate, sm.State(), "one granted vote is not yet a quorum of 2")

	sm.HandleVoteResponse(3, VoteResponse{Term: 1, Granted: true})
	assert.Equal(t, Leader, sm.State())
	assert.True(t, becameLeader)
}

// wireTransport routes RequestVote/BroadcastLeader calls directly into
// the other nodes' SM methods, so a three-node election can run for
// real across goroutines instead of being driven by hand.
type wireTransport struct {
	self uint32
	sms  map[uint32]*SM
}

func (w *wireTransport) RequestVote(peer uint32, req VoteRequest) {
	target, ok := w.sms[peer]
	if !ok {
		return
	}
	resp := target.RequestVote(req)
	if src, ok := w.sms[w.self]; ok {
		src.HandleVoteResponse(peer, resp)
	}
}

func (w *wireTransport) BroadcastLeader(term uint64, leaderID uint32) {
	for id, sm := range w.sms {
		if id == w.self {
			continue
		}
		sm.Observe(term, leaderID)
	}
}

// S6 — two nodes time out into Candidate at nearly the same moment; the
// cluster still converges on exactly one Leader for the winning term,
// and the loser steps back down to Follower once it sees the winner's
// broadcast.
func TestElectionRaceConvergesOnSingleLeader(t *testing.T) {
	cfg := testCfg()
	cfg.ElectionTimeout = 15 * time.Millisecond

	sms := make(map[uint32]*SM, 3)
	for _, id := range []uint32{1, 2, 3} {
		peers := []uint32{1, 2, 3}
		var filtered []uint32
		for _, p := range peers {
			if p != id {
				filtered = append(filtered, p)
			}
		}
		sms[id] = New(cfg, id, filtered, vclock.New(), noopPersist, &wireTransport{self: id, sms: sms})
	}

	for _, sm := range sms {
		sm.Start()
	}
	defer func() {
		for _, sm := range sms {
			sm.Stop()
		}
	}()

	require.Eventually(t, func() bool {
		leaders := 0
		var term uint64
		for _, sm := range sms {
			if sm.State() == Leader {
				leaders++
				term = sm.Term()
			}
		}
		if leaders != 1 {
			return false
		}
		for _, sm := range sms {
			if sm.State() == Leader {
				continue
			}
			if sm.Term() != term {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "exactly one node should become leader and the rest should adopt its term")
}

func TestObserveHigherTermStepsDownToFollower(t *testing.T) {
	vc := vclock.New()
	sm := New(testCfg(), 1, []uint32{2, 3}, vc, noopPersist, nil)
	sm.mu.Lock()
	sm.state = Leader
	sm.term = 1
	sm.mu.Unlock()

	sm.Observe(2, 3)
	assert.Equal(t, Follower, sm.State())
	assert.Equal(t, uint64(2), sm.Term())
	assert.Equal(t, uint32(3), sm.LeaderID())
}
