package wal

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	golog "github.com/tidwall/wal"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/row"
)

// RecoveredEntry is one decoded journal entry read back off disk.
type RecoveredEntry struct {
	Index uint64
	Rows  []*row.Row
}

// Recover reads every entry from cfg.LogDir in order and rebuilds the
// vclock implied by it (spec §6 on-disk format, §9 force-recovery open
// question). A batch whose last row isn't marked commit looks like a
// half-written PROMOTE/DEMOTE tail: with ForceRecovery unset, recovery
// refuses to load past it; with it set, a CORRUPTED marker is dropped next
// to the log and recovery continues with everything read so far.
func Recover(cfg config.Config) ([]RecoveredEntry, map[uint32]uint64, error) {
	l, err := golog.Open(cfg.LogDir, nil)
	if err != nil {
		return nil, nil, err
	}
	defer l.Close()

	first, err := l.FirstIndex()
	if err != nil {
		return nil, nil, err
	}
	last, err := l.LastIndex()
	if err != nil {
		return nil, nil, err
	}

	vc := make(map[uint32]uint64)
	var out []RecoveredEntry
	for idx := first; idx != 0 && idx <= last; idx++ {
		data, err := l.Read(idx)
		if err != nil {
			return recoveryTail(cfg, out, vc, idx, err)
		}
		var rows []*row.Row
		if err := json.Unmarshal(data, &rows); err != nil {
			return recoveryTail(cfg, out, vc, idx, err)
		}
		if len(rows) == 0 || !rows[len(rows)-1].IsCommit {
			return recoveryTail(cfg, out, vc, idx, fmt.Errorf("entry %d has no commit marker", idx))
		}
		for _, r := range rows {
			if r.LSN > vc[r.PeerID] {
				vc[r.PeerID] = r.LSN
			}
		}
		out = append(out, RecoveredEntry{Index: idx, Rows: rows})
	}
	return out, vc, nil
}

func recoveryTail(cfg config.Config, out []RecoveredEntry, vc map[uint32]uint64, idx uint64, cause error) ([]RecoveredEntry, map[uint32]uint64, error) {
	if !cfg.ForceRecovery {
		return nil, nil, fmt.Errorf("refusing to load potentially corrupted log at entry %d: %w", idx, cause)
	}
	marker := filepath.Join(cfg.LogDir, "CORRUPTED")
	_ = os.WriteFile(marker, []byte(cause.Error()), 0o644)
	return out, vc, nil
}
