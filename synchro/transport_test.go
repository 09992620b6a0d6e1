package synchro

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/vclock"
	"github.com/tarantool/tntcore/wal"
)

func testJournal(t *testing.T) *wal.Journal {
	t.Helper()
	dir, err := os.MkdirTemp("", "synchro-wal-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default()
	cfg.LogDir = dir
	cfg.SelfID = 1
	j, err := wal.Open(cfg, vclock.New())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

// TestTransportDeliversAckToLimbo exercises the same path a real peer
// ack travels: Send encodes a KindAck Message, the accept loop decodes
// it, and dispatch feeds limbo.Ack, which is enough to cross a quorum
// of 2 once the owner's own journal write already counts as one.
func TestTransportDeliversAckToLimbo(t *testing.T) {
	j := testJournal(t)
	cfg := config.Default()
	cfg.SyncQuorum = 2
	lb := limbo.New(cfg, 1, 3, j)

	e, err := lb.Submit(1, 32)
	require.NoError(t, err)
	lb.AssignLSN(e, 1)
	require.Equal(t, limbo.Submitted, e.State())

	server := New(1, nil, Handlers{Limbo: lb})
	require.NoError(t, server.Listen("127.0.0.1:18471"))
	defer server.Close()

	client := New(2, map[uint32]string{1: "127.0.0.1:18471"}, Handlers{})
	defer client.Close()

	require.NoError(t, client.Send(1, Message{Kind: KindAck, PeerID: 2, LSN: 1}))

	require.Eventually(t, func() bool {
		return e.State() == limbo.Commit
	}, time.Second, 5*time.Millisecond, "peer ack delivered over the wire should complete the quorum")
}
