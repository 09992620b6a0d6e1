package synchro

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tarantool/tntcore/limbo"
	"github.com/tarantool/tntcore/raft"
)

// maxInFlightAccepts bounds how many peer connections the accept loop
// services concurrently, mirroring network/coordinator/conn.go's sem
// channel.
const maxInFlightAccepts = 64

// Handlers are the two state machines inbound synchro records dispatch
// into. Both are optional so a transport can run read-only in tests.
type Handlers struct {
	Limbo *limbo.Limbo
	Raft  *raft.SM
}

// Transport is a peer-to-peer TCP/JSON transport for synchro records,
// adapted from network/coordinator/conn.go's Commu: a newline-delimited
// JSON wire, a pooled outbound connection per peer address, and a
// semaphore-bounded accept loop.
type Transport struct {
	selfID   uint32
	addrs    map[uint32]string // peer id -> "host:port"
	handlers Handlers

	listener net.Listener
	connMap  sync.Map // peer id -> net.Conn
	sem      chan struct{}
	done     chan struct{}
}

// SetRaft installs the raft handler after construction, for the common
// case (system.New) where the transport must exist before the SM does
// because the SM's constructor takes it as a collaborator.
func (t *Transport) SetRaft(sm *raft.SM) {
	t.handlers.Raft = sm
}

// SetLimbo installs the limbo handler after construction, mirroring
// SetRaft.
func (t *Transport) SetLimbo(lb *limbo.Limbo) {
	t.handlers.Limbo = lb
}

func New(selfID uint32, addrs map[uint32]string, handlers Handlers) *Transport {
	return &Transport{
		selfID:   selfID,
		addrs:    addrs,
		handlers: handlers,
		sem:      make(chan struct{}, maxInFlightAccepts),
		done:     make(chan struct{}),
	}
}

// Listen binds addr and starts accepting peer connections on a
// background goroutine.
func (t *Transport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.sem <- struct{}{}
		go func() {
			defer func() { <-t.sem }()
			t.handleConn(conn)
		}()
	}
}

func (t *Transport) Close() error {
	close(t.done)
	t.connMap.Range(func(_, v interface{}) bool {
		v.(net.Conn).Close()
		return true
	})
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return
		}
		if err != nil {
			return
		}
		t.dispatch([]byte(line))
	}
}

func (t *Transport) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Kind {
	case KindConfirm:
		if t.handlers.Limbo != nil {
			t.handlers.Limbo.Process(limbo.Request{Kind: limbo.ReqConfirm, PeerID: msg.PeerID, LSN: msg.LSN})
		}
	case KindRollback:
		if t.handlers.Limbo != nil {
			t.handlers.Limbo.Process(limbo.Request{Kind: limbo.ReqRollback, PeerID: msg.PeerID, LSN: msg.LSN})
		}
	case KindPromote:
		if t.handlers.Limbo != nil {
			t.handlers.Limbo.Process(limbo.Request{Kind: limbo.ReqPromote, PeerID: msg.PeerID, OriginID: msg.OriginID, LSN: msg.LSN, Term: msg.Term})
		}
	case KindDemote:
		if t.handlers.Limbo != nil {
			t.handlers.Limbo.Process(limbo.Request{Kind: limbo.ReqDemote, PeerID: msg.PeerID, OriginID: msg.OriginID, LSN: msg.LSN, Term: msg.Term})
		}
	case KindAck:
		if t.handlers.Limbo != nil {
			t.handlers.Limbo.Ack(msg.PeerID, msg.LSN)
		}
	case KindVoteRequest:
		if t.handlers.Raft != nil {
			resp := t.handlers.Raft.RequestVote(raft.VoteRequest{Term: msg.Term, CandidateID: msg.OriginID, Vclock: msg.Vclock})
			t.Send(msg.PeerID, Message{Kind: KindVoteResponse, PeerID: t.selfID, Term: resp.Term, Granted: resp.Granted})
		}
	case KindVoteResponse:
		if t.handlers.Raft != nil {
			t.handlers.Raft.HandleVoteResponse(msg.PeerID, raft.VoteResponse{Term: msg.Term, Granted: msg.Granted})
		}
	case KindLeaderAnnounce:
		if t.handlers.Raft != nil {
			t.handlers.Raft.Observe(msg.Term, msg.OriginID)
		}
	}
}

// Send delivers msg to peerID, dialing and caching the connection on
// first use (network/coordinator/conn.go's sendMsg dial-or-reuse shape).
func (t *Transport) Send(peerID uint32, msg Message) error {
	addr, ok := t.addrs[peerID]
	if !ok {
		return nil
	}
	conn, err := t.connFor(peerID, addr)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	body = append(body, '\n')
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(body); err != nil {
		t.connMap.Delete(peerID)
		conn.Close()
		return err
	}
	return nil
}

func (t *Transport) connFor(peerID uint32, addr string) (net.Conn, error) {
	if cur, ok := t.connMap.Load(peerID); ok {
		return cur.(net.Conn), nil
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	fin, loaded := t.connMap.LoadOrStore(peerID, conn)
	if loaded {
		conn.Close()
		return fin.(net.Conn), nil
	}
	return conn, nil
}

// RequestVote implements raft.Transport.
func (t *Transport) RequestVote(peer uint32, req raft.VoteRequest) {
	t.Send(peer, Message{Kind: KindVoteRequest, PeerID: t.selfID, Term: req.Term, OriginID: req.CandidateID, Vclock: req.Vclock})
}

// BroadcastLeader implements raft.Transport.
func (t *Transport) BroadcastLeader(term uint64, leaderID uint32) {
	for peer := range t.addrs {
		t.Send(peer, Message{Kind: KindLeaderAnnounce, PeerID: t.selfID, Term: term, OriginID: leaderID})
	}
}

// SendConfirm broadcasts a CONFIRM the local limbo just committed under
// quorum to every configured peer (wired from Limbo.OnConfirm by
// system.New). SendRollback/SendAck/SendPromote/SendDemote below are the
// transport-side counterparts of the synchro dispatch cases they answer;
// this tree has no caller for them yet because nothing here originates
// a standalone ROLLBACK or a PROMOTE/DEMOTE outside of processing one
// that already arrived over the wire.
func (t *Transport) SendConfirm(lsn uint64) {
	for peer := range t.addrs {
		t.Send(peer, Message{Kind: KindConfirm, PeerID: t.selfID, LSN: lsn})
	}
}

func (t *Transport) SendRollback(lsn uint64) {
	for peer := range t.addrs {
		t.Send(peer, Message{Kind: KindRollback, PeerID: t.selfID, LSN: lsn})
	}
}

func (t *Transport) SendAck(ownerID uint32, lsn uint64) {
	t.Send(ownerID, Message{Kind: KindAck, PeerID: t.selfID, LSN: lsn})
}

func (t *Transport) SendPromote(peer, originID uint32, lsn, term uint64) {
	t.Send(peer, Message{Kind: KindPromote, PeerID: t.selfID, OriginID: originID, LSN: lsn, Term: term})
}

func (t *Transport) SendDemote(peer, originID uint32, lsn, term uint64) {
	t.Send(peer, Message{Kind: KindDemote, PeerID: t.selfID, OriginID: originID, LSN: lsn, Term: term})
}
