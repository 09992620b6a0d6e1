package raft

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/tarantool/tntcore/vclock"
)

// onElectionTimeout fires when no heartbeat/leader-announce has been seen
// within the randomized timeout (spec §4.3): the node becomes Candidate,
// bumps its term, votes for itself, and solicits votes from every peer.
func (sm *SM) onElectionTimeout() {
	sm.mu.Lock()
	if sm.state == Leader || !sm.enabled {
		sm.mu.Unlock()
		sm.resetElectionTimer()
		return
	}
	if sm.volatileTerm != sm.term || sm.volatileVote != sm.vote {
		// the previous (term, vote) decision hasn't landed on disk yet;
		// racing another election before it does risks a vote the node
		// can't actually stand behind if it restarts. Wait it out.
		sm.mu.Unlock()
		sm.resetElectionTimer()
		return
	}
	sm.state = Candidate
	sm.term++
	sm.vote = sm.selfID
	sm.voteMask = mapset.NewSet()
	sm.voteMask.Add(sm.selfID)
	term := sm.term
	req := VoteRequest{Term: term, CandidateID: sm.selfID, Vclock: sm.vclock.Snapshot()}
	peers := make([]uint32, 0, len(sm.peers))
	for p := range sm.peers {
		peers = append(peers, p)
	}
	sm.mu.Unlock()

	sm.persistAsync(term, sm.selfID)
	sm.resetElectionTimer()

	if sm.transport == nil {
		return
	}
	for _, p := range peers {
		sm.transport.RequestVote(p, req)
	}
}

// RequestVote handles an incoming vote solicitation (spec §4.3 vote
// rules): a vote is granted only for a term the voter hasn't already
// voted in differently, and only if the candidate is at least as
// up-to-date — its vclock must dominate or equal the voter's, so a node
// that missed writes can never become leader over one that has them.
func (sm *SM) RequestVote(req VoteRequest) VoteResponse {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if req.Term < sm.term {
		return VoteResponse{Term: sm.term, Granted: false}
	}
	if req.Term > sm.term {
		sm.term = req.Term
		sm.vote = 0
		sm.state = Follower
		sm.voteMask = mapset.NewSet()
	}
	if !sm.enabled {
		return VoteResponse{Term: sm.term, Granted: false}
	}
	if sm.vote != 0 && sm.vote != req.CandidateID {
		return VoteResponse{Term: sm.term, Granted: false}
	}
	if !vclock.FromMap(req.Vclock).Dominates(sm.vclock) {
		return VoteResponse{Term: sm.term, Granted: false}
	}
	sm.vote = req.CandidateID
	term := sm.term
	sm.persistAsync(term, req.CandidateID)
	return VoteResponse{Term: term, Granted: true}
}

// HandleVoteResponse tallies a response gathered by the transport while
// this node is Candidate for the given term. Once a quorum of peers
// (including self) has granted, the node becomes Leader (spec §4.3).
func (sm *SM) HandleVoteResponse(peer uint32, resp VoteResponse) {
	sm.mu.Lock()
	if resp.Term > sm.term {
		sm.term = resp.Term
		sm.vote = 0
		sm.state = Follower
		sm.voteMask = mapset.NewSet()
		sm.mu.Unlock()
		sm.resetElectionTimer()
		return
	}
	if sm.state != Candidate || resp.Term != sm.term || !resp.Granted {
		sm.mu.Unlock()
		return
	}
	sm.voteMask.Add(peer)
	becameLeader := sm.voteMask.Cardinality() >= sm.quorum()
	var cbs []func()
	if becameLeader {
		sm.state = Leader
		sm.leaderID = sm.selfID
		cbs = append(cbs, sm.onBecomeLdr...)
	}
	term, self := sm.term, sm.selfID
	sm.mu.Unlock()

	if becameLeader {
		if sm.transport != nil {
			sm.transport.BroadcastLeader(term, self)
		}
		for _, cb := range cbs {
			cb()
		}
	}
}

// Observe applies an incoming leader announcement or heartbeat (spec
// §4.3): any message for a term at least as high as ours demotes us to
// Follower and resets the election clock.
func (sm *SM) Observe(term uint64, leaderID uint32) {
	sm.mu.Lock()
	if term > sm.term {
		sm.term = term
		sm.vote = 0
		sm.voteMask = mapset.NewSet()
	}
	if term >= sm.term {
		sm.leaderID = leaderID
		sm.state = Follower
	}
	sm.mu.Unlock()
	sm.resetElectionTimer()
}

// persistAsync serializes (term, vote) writes through sm.latch so a
// second election timeout can never overtake an in-flight write and land
// an older term on disk after a newer one (spec §4.3 rule 4: volatile
// mirrors stand in for the durable pair until exactly one write
// completes). Safe to call with sm.mu held, since the latch itself is
// only acquired inside the spawned goroutine.
func (sm *SM) persistAsync(term uint64, vote uint32) {
	if sm.persist == nil {
		return
	}
	persist := sm.persist
	go func() {
		sm.latch.Lock()
		persist(term, vote, func(err error) {
			sm.mu.Lock()
			if err == nil {
				sm.volatileTerm, sm.volatileVote = term, vote
			}
			sm.mu.Unlock()
			sm.latch.Unlock()
		})
	}()
}
