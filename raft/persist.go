package raft

import (
	"github.com/goccy/go-json"

	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/wal"
)

// termVote is the on-disk body of a TypeRaft row (spec §4.3, §6).
type termVote struct {
	Term uint64 `json:"term"`
	Vote uint32 `json:"vote"`
}

// JournalPersist returns a PersistFunc that durably records (term, vote)
// as a local, non-replicated TypeRaft row (spec §3: raft state lives in
// the GroupLocal stream so it is never shipped to replicas). Grounded on
// storage/log_manager.go's pattern of funneling every durable write
// through the same append path used for data rows.
func JournalPersist(j *wal.Journal) PersistFunc {
	return func(term uint64, vote uint32, done func(error)) {
		body, err := json.Marshal(termVote{Term: term, Vote: vote})
		if err != nil {
			done(err)
			return
		}
		r := &row.Row{Type: row.TypeRaft, Group: row.GroupLocal, Body: body}
		entry := row.NewJournalEntry([]*row.Row{r}, 0, func(sig row.Signature) {
			done(sig.Err())
		})
		j.SubmitAsync(entry)
	}
}

// LoadTermVote recovers the last persisted (term, vote) pair by scanning
// recovered entries for the newest TypeRaft row (spec §9 recovery).
func LoadTermVote(entries []wal.RecoveredEntry) (term uint64, vote uint32) {
	for _, e := range entries {
		for _, r := range e.Rows {
			if r.Type != row.TypeRaft {
				continue
			}
			var tv termVote
			if err := json.Unmarshal(r.Body, &tv); err != nil {
				continue
			}
			term, vote = tv.Term, tv.Vote
		}
	}
	return term, vote
}
