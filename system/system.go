// Package system wires one process's Journal, Limbo, Raft state
// machine, Txn manager, checkpoint Runner and synchro Transport
// together from a single config.Config. There is no package-level
// singleton anywhere in this tree (DESIGN NOTES §9); System is
// constructed once by cmd/tntcored and passed around by reference, the
// same shape as network/coordinator/manager.go's Manager bundles Lsm,
// Participants, TxnPool and logs.
package system

import (
	"github.com/tarantool/tntcore/checkpoint"
	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/raft"
	"github.com/tarantool/tntcore/synchro"
	"github.com/tarantool/tntcore/txn"
	"github.com/tarantool/tntcore/vclock"
	"github.com/tarantool/tntcore/wal"
)

// System is every per-process collaborator of spec §1, constructed
// once and handed to callers by reference.
type System struct {
	Cfg config.Config

	Journal    *wal.Journal
	Vclock     *vclock.Clock
	Raft       *raft.SM
	Limbo      *limbo.Limbo
	Txn        *txn.Manager
	Checkpoint *checkpoint.Runner
	Transport  *synchro.Transport
}

// New recovers the journal at cfg.LogDir, restores raft's (term, vote)
// from it, and wires every collaborator together. Limbo state is not
// restored from the recovered entries; the limbo starts empty. peerAddrs maps each
// peer id in cfg.Peers to its "host:port" for the synchro transport;
// listenAddr is where this node accepts inbound synchro connections —
// pass "" to skip listening (used by in-process tests).
func New(cfg config.Config, peerAddrs map[uint32]string, listenAddr string) (*System, error) {
	entries, vc, err := wal.Recover(cfg)
	if err != nil {
		return nil, err
	}

	vcClock := vclock.FromMap(vc)
	journal, err := wal.Open(cfg, vcClock)
	if err != nil {
		return nil, err
	}

	registered := len(cfg.Peers) + 1
	lb := limbo.New(cfg, cfg.SelfID, registered, journal)

	transport := synchro.New(cfg.SelfID, peerAddrs, synchro.Handlers{Limbo: lb})
	lb.OnConfirm(transport.SendConfirm)

	sm := raft.New(cfg, cfg.SelfID, cfg.Peers, vcClock, raft.JournalPersist(journal), transport)
	term, vote := raft.LoadTermVote(entries)
	sm.Restore(term, vote)
	sm.OnBecomeLeader(func() { lb.OnBecomeLeader(cfg.SelfID) })

	transport.SetRaft(sm)

	txnMgr := txn.NewManager(cfg, cfg.SelfID, journal, lb)
	ckpt := checkpoint.New(journal, lb)

	if listenAddr != "" {
		if err := transport.Listen(listenAddr); err != nil {
			journal.Close()
			return nil, err
		}
	}

	sm.Start()

	return &System{
		Cfg:        cfg,
		Journal:    journal,
		Vclock:     vcClock,
		Raft:       sm,
		Limbo:      lb,
		Txn:        txnMgr,
		Checkpoint: ckpt,
		Transport:  transport,
	}, nil
}

// Close stops the election timer, the synchro transport and the
// journal's writer goroutine, in that order so nothing keeps trying to
// use a closed collaborator.
func (s *System) Close() error {
	s.Raft.Stop()
	if s.Transport != nil {
		s.Transport.Close()
	}
	s.Limbo.Close()
	return s.Journal.Close()
}
