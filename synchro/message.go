// Package synchro implements the wire encoding and peer transport for
// the replicated write path's control records: CONFIRM/ROLLBACK/
// PROMOTE/DEMOTE (routed to limbo.Process), peer acks (limbo.Ack), and
// the Raft vote/leader messages (spec §6 "Synchro records").
package synchro

// Kind tags a Message's payload shape.
type Kind string

const (
	KindConfirm        Kind = "confirm"
	KindRollback       Kind = "rollback"
	KindPromote        Kind = "promote"
	KindDemote         Kind = "demote"
	KindAck            Kind = "ack"
	KindVoteRequest    Kind = "vote_request"
	KindVoteResponse   Kind = "vote_response"
	KindLeaderAnnounce Kind = "leader_announce"
)

// Message is the self-describing envelope sent between peers, matching
// the teacher's network/msg.go JSON-tagged wire struct shape.
type Message struct {
	Kind     Kind              `json:"kind"`
	PeerID   uint32            `json:"peer_id"`
	OriginID uint32            `json:"origin_id,omitempty"`
	LSN      uint64            `json:"lsn,omitempty"`
	Term     uint64            `json:"term,omitempty"`
	Granted  bool              `json:"granted,omitempty"`
	Vclock   map[uint32]uint64 `json:"vclock,omitempty"`
}
