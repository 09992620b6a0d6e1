// Package config carries the process-wide tunables from spec §6 and the
// ambient debug/diagnostic helpers every other package logs through.
package config

import (
	"os"
	"time"

	"github.com/magiconair/properties"
)

// LogMode controls how the journal opens its segment files.
type LogMode int

const (
	LogModeNone LogMode = iota
	LogModeWrite
	LogModeFsync
)

func ParseLogMode(s string) LogMode {
	switch s {
	case "write":
		return LogModeWrite
	case "fsync":
		return LogModeFsync
	default:
		return LogModeNone
	}
}

// ElectionMode controls whether and how a node participates in Raft elections.
type ElectionMode int

const (
	ElectionOff ElectionMode = iota
	ElectionVoter
	ElectionCandidate
	ElectionManual
)

func ParseElectionMode(s string) ElectionMode {
	switch s {
	case "voter":
		return ElectionVoter
	case "candidate":
		return ElectionCandidate
	case "manual":
		return ElectionManual
	default:
		return ElectionOff
	}
}

// IsolationLevel is the txn isolation level requested at begin time.
type IsolationLevel int

const (
	IsolationDefault IsolationLevel = iota
	IsolationReadCommitted
	IsolationReadConfirmed
	IsolationBestEffort
)

func ParseIsolation(s string) IsolationLevel {
	switch s {
	case "read_committed":
		return IsolationReadCommitted
	case "read_confirmed":
		return IsolationReadConfirmed
	case "best_effort":
		return IsolationBestEffort
	default:
		return IsolationDefault
	}
}

// Config is the explicit set of tunables a System is built from. There is no
// package-level singleton config; callers build one and pass it to system.New.
type Config struct {
	SelfID uint32
	Peers  []uint32

	LogMode             LogMode
	LogDir              string
	LogMaxSize          int64
	JournalQueueMaxSize int64

	SyncQuorum  int
	SyncTimeout time.Duration

	ElectionMode    ElectionMode
	ElectionTimeout time.Duration

	TxnIsolation IsolationLevel
	TxnTimeout   time.Duration

	CheckpointCount    int
	CheckpointInterval time.Duration

	TmpDir string

	// ForceRecovery controls how the journal reader treats a segment whose
	// tail looks half-written (see DESIGN.md Open Question decisions).
	ForceRecovery bool

	// AllowLegacyTimeoutRollback opts into the deprecated wait_complete
	// timeout->rollback path (DESIGN NOTES §9). Default false.
	AllowLegacyTimeoutRollback bool

	// ForbidForceAsyncBypass, when true, makes a FORCE_ASYNC commit go
	// through a non-empty limbo like any other txn instead of bypassing
	// it. Either way the bypass (or its refusal) is logged via Warn.
	ForbidForceAsyncBypass bool
}

// Default returns the spec's defaults for a single-node, async-only setup.
func Default() Config {
	return Config{
		SelfID:              1,
		LogMode:             LogModeWrite,
		LogDir:              "./wal",
		LogMaxSize:          64 << 20,
		JournalQueueMaxSize: 16 << 20,
		SyncQuorum:          1,
		SyncTimeout:         4 * time.Second,
		ElectionMode:        ElectionOff,
		ElectionTimeout:     5 * time.Second,
		TxnIsolation:        IsolationDefault,
		TxnTimeout:          0,
		CheckpointCount:     2,
		CheckpointInterval:  time.Hour,
		TmpDir:              os.TempDir(),
	}
}

// Load parses a .properties file (teacher: network/participant/utils.go)
// and overlays it on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return cfg, err
	}
	if v, ok := p.Get("log_mode"); ok {
		cfg.LogMode = ParseLogMode(v)
	}
	if v, ok := p.Get("log_dir"); ok {
		cfg.LogDir = v
	}
	cfg.LogMaxSize = p.GetInt64("log_max_size", cfg.LogMaxSize)
	cfg.JournalQueueMaxSize = p.GetInt64("journal_queue_max_size", cfg.JournalQueueMaxSize)
	cfg.SyncQuorum = p.GetInt("sync_quorum", cfg.SyncQuorum)
	cfg.SyncTimeout = time.Duration(p.GetInt("sync_timeout", int(cfg.SyncTimeout/time.Second))) * time.Second
	if v, ok := p.Get("election_mode"); ok {
		cfg.ElectionMode = ParseElectionMode(v)
	}
	cfg.ElectionTimeout = time.Duration(p.GetInt("election_timeout", int(cfg.ElectionTimeout/time.Second))) * time.Second
	if v, ok := p.Get("txn_isolation"); ok {
		cfg.TxnIsolation = ParseIsolation(v)
	}
	cfg.TxnTimeout = time.Duration(p.GetInt("txn_timeout", int(cfg.TxnTimeout/time.Second))) * time.Second
	cfg.CheckpointCount = p.GetInt("checkpoint_count", cfg.CheckpointCount)
	cfg.CheckpointInterval = time.Duration(p.GetInt("checkpoint_interval", int(cfg.CheckpointInterval/time.Second))) * time.Second
	if v, ok := p.Get("tmpdir"); ok {
		cfg.TmpDir = v
	}
	cfg.ForceRecovery = p.GetBool("force_recovery", cfg.ForceRecovery)
	return cfg, nil
}

// Quorum returns the effective quorum for a replicaset of n registered
// peers (spec §4.4 invariant 6: bootstrap truncation).
func (c Config) Quorum(registered int) int {
	if registered < c.SyncQuorum {
		return registered
	}
	return c.SyncQuorum
}
