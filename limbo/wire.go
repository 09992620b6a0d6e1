package limbo

// ReqKind distinguishes the four synchro record kinds the limbo can
// apply inbound (spec §4.4 process, §6 "Synchro records"). RAFT records
// are handled by the raft package directly, not routed through here.
type ReqKind int

const (
	ReqConfirm ReqKind = iota
	ReqRollback
	ReqPromote
	ReqDemote
)

// Request is a decoded inbound synchro record, built by the synchro
// package's wire codec and handed to Process.
type Request struct {
	Kind     ReqKind
	PeerID   uint32 // the peer that originated/owns this record
	OriginID uint32 // PROMOTE/DEMOTE: the peer becoming owner (0 for demote)
	LSN      uint64
	Term     uint64 // PROMOTE/DEMOTE only
}

// promoteDemoteBody is the extra payload a PROMOTE/DEMOTE row carries
// beyond the Row.PeerID/LSN fields it shares with CONFIRM/ROLLBACK (spec
// §6: "confirmed_vclock is serialized inside the PROMOTE/DEMOTE
// persisted form only in checkpoints, never on the replication wire" —
// so this body intentionally carries only origin/term, nothing else).
type promoteDemoteBody struct {
	OriginID uint32 `json:"origin_id"`
	Term     uint64 `json:"term"`
}
