package cluster

import (
	"net"
	"sync"
	"time"

	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// writeTimeout bounds a single frame write; a peer that cannot drain
// a frame in this window is treated as gone.
const writeTimeout = 10 * time.Second

// session is the single TCP stream shared with one peer. Writes are
// serialized so concurrent senders cannot interleave frames; reads
// happen on the manager's per-session read loop only.
type session struct {
	conn   net.Conn
	peerID types.NodeID

	// initiator is the node id that dialed this connection; used to
	// break simultaneous-dial ties deterministically.
	initiator types.NodeID

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(conn net.Conn, peerID, initiator types.NodeID) *session {
	return &session{
		conn:      conn,
		peerID:    peerID,
		initiator: initiator,
		closed:    make(chan struct{}),
	}
}

// send writes one frame, FIFO with respect to other sends on this
// session.
func (s *session) send(msg wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return wire.WriteFrame(s.conn, msg)
}

// recv reads one frame, failing if nothing arrives within the given
// deadline.
func (s *session) recv(deadline time.Duration) (wire.Message, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, err
	}
	return wire.ReadFrame(s.conn)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
