package cluster

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/discovery"
	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

const (
	// HeartbeatInterval is the cadence of Heartbeat frames on an
	// established session.
	HeartbeatInterval = 5 * time.Second

	// livenessTimeout marks a peer unreachable after three missed
	// heartbeats.
	livenessTimeout = 3 * HeartbeatInterval

	// evictAfter removes an unreachable peer from the membership table
	// if it has not reconnected.
	evictAfter = 60 * time.Second

	handshakeTimeout = 5 * time.Second
	dialTimeout      = 5 * time.Second
)

// MessageHandler receives every routed non-control message from a
// connected peer. Handlers run on the session's read loop and must
// not block on network round trips to the same peer.
type MessageHandler func(from types.NodeID, msg wire.Message)

// Config holds node manager configuration.
type Config struct {
	Self       types.Node
	ListenAddr string
	Broker     *events.Broker
}

// Manager owns the membership table and the single session per peer.
// It dials on beacons, accepts inbound connections, performs the
// Hello handshake, exchanges heartbeats, and routes everything else
// to the registered handler.
type Manager struct {
	cfg     Config
	logger  zerolog.Logger
	handler MessageHandler

	mu      sync.RWMutex
	peers   map[types.NodeID]*peerState
	dialing map[string]bool

	ln       net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// peerState is one row of the membership table.
type peerState struct {
	node          types.Node
	sess          *session
	unreachableAt time.Time
}

// NewManager creates a node manager. The message handler must be set
// before Start.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  log.WithComponent("cluster"),
		peers:   make(map[types.NodeID]*peerState),
		dialing: make(map[string]bool),
		stopCh:  make(chan struct{}),
	}
}

// SetHandler registers the routing callback for non-control messages.
func (m *Manager) SetHandler(h MessageHandler) {
	m.handler = h
}

// Start binds the session listener and launches the accept and reaper
// loops.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", m.cfg.ListenAddr, err)
	}
	m.ln = ln

	m.wg.Add(2)
	go m.acceptLoop()
	go m.reaperLoop()

	m.logger.Info().Str("addr", ln.Addr().String()).Msg("node manager listening")
	return nil
}

// Addr returns the bound listener address.
func (m *Manager) Addr() string {
	if m.ln == nil {
		return m.cfg.ListenAddr
	}
	return m.ln.Addr().String()
}

// Stop says goodbye to every peer and tears the manager down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.Broadcast(&wire.Goodbye{NodeID: m.cfg.Self.ID, Reason: "shutdown"})

		close(m.stopCh)
		if m.ln != nil {
			m.ln.Close()
		}

		m.mu.Lock()
		for _, p := range m.peers {
			if p.sess != nil {
				p.sess.close()
			}
		}
		m.mu.Unlock()
	})
	m.wg.Wait()
}

// HandleBeacon reacts to a discovery beacon: an unknown or currently
// unreachable peer triggers a dial to its advertised listener. A
// wildcard host in the advertised address is resolved against the
// datagram's source IP.
func (m *Manager) HandleBeacon(b *discovery.Beacon, from *net.UDPAddr) {
	if b.ProtocolVersion != wire.ProtocolVersion {
		return
	}

	id := types.NodeID(b.NodeID)
	m.mu.RLock()
	p, known := m.peers[id]
	connected := known && p.sess != nil && !p.sess.isClosed()
	m.mu.RUnlock()

	if connected {
		return
	}

	addr := b.ListenAddr
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(host); (host == "" || (ip != nil && ip.IsUnspecified())) && from != nil {
			addr = net.JoinHostPort(from.IP.String(), port)
		}
	}
	go m.dial(addr)
}

// dial connects, handshakes and registers a session. Concurrent dials
// to the same address collapse into one.
func (m *Manager) dial(addr string) {
	m.mu.Lock()
	if m.dialing[addr] {
		m.mu.Unlock()
		return
	}
	m.dialing[addr] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.dialing, addr)
		m.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		m.logger.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		return
	}

	sess := newSession(conn, "", m.cfg.Self.ID)
	if err := sess.send(m.hello()); err != nil {
		sess.close()
		return
	}

	msg, err := sess.recv(handshakeTimeout)
	if err != nil {
		sess.close()
		return
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		m.logger.Warn().Str("addr", addr).Msg("handshake got unexpected message")
		sess.close()
		return
	}

	sess.peerID = hello.NodeID
	m.register(sess, types.Node{
		ID:      hello.NodeID,
		Name:    hello.NodeName,
		Addr:    addr,
		Version: hello.Version,
	})
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug().Err(err).Msg("accept failed")
				continue
			}
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(conn)
		}()
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	sess := newSession(conn, "", "")

	msg, err := sess.recv(handshakeTimeout)
	if err != nil {
		sess.close()
		return
	}
	hello, ok := msg.(*wire.Hello)
	if !ok {
		sess.close()
		return
	}

	if err := sess.send(m.hello()); err != nil {
		sess.close()
		return
	}

	sess.peerID = hello.NodeID
	sess.initiator = hello.NodeID
	m.register(sess, types.Node{
		ID:      hello.NodeID,
		Name:    hello.NodeName,
		Addr:    conn.RemoteAddr().String(),
		Version: hello.Version,
	})
}

func (m *Manager) hello() *wire.Hello {
	return &wire.Hello{
		NodeID:   m.cfg.Self.ID,
		NodeName: m.cfg.Self.Name,
		Version:  m.cfg.Self.Version,
	}
}

// register installs the session in the membership table. When both
// sides dialed simultaneously, the connection initiated by the lower
// node id wins and the other is closed.
func (m *Manager) register(sess *session, node types.Node) {
	if node.ID == m.cfg.Self.ID {
		sess.close()
		return
	}

	m.mu.Lock()
	existing, known := m.peers[node.ID]
	if known && existing.sess != nil && !existing.sess.isClosed() {
		if existing.sess.initiator <= sess.initiator {
			m.mu.Unlock()
			sess.close()
			return
		}
		existing.sess.close()
	}

	node.Status = types.NodeStatusReady
	node.LastSeen = time.Now()
	if known {
		node.JoinedAt = existing.node.JoinedAt
	} else {
		node.JoinedAt = time.Now()
	}
	m.peers[node.ID] = &peerState{node: node, sess: sess}
	m.mu.Unlock()

	m.logger.Info().Str("peer_id", string(node.ID)).Str("name", node.Name).Msg("peer joined")
	m.publish(events.EventNodeJoined, node.ID, "session established")

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.readLoop(sess)
	}()
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop(sess)
	}()
}

func (m *Manager) readLoop(sess *session) {
	for {
		msg, err := sess.recv(livenessTimeout)
		if err != nil {
			m.markUnreachable(sess, err)
			return
		}
		m.touch(sess.peerID)

		switch msg := msg.(type) {
		case *wire.Heartbeat:
			// lastSeen already advanced.
		case *wire.Hello:
			m.logger.Warn().Str("peer_id", string(sess.peerID)).Msg("unexpected mid-session hello")
			m.markUnreachable(sess, types.ErrProtocol)
			return
		case *wire.Goodbye:
			m.logger.Info().Str("peer_id", string(sess.peerID)).Str("reason", msg.Reason).Msg("peer said goodbye")
			m.evict(sess.peerID, "goodbye")
			sess.close()
			return
		default:
			if m.handler != nil {
				m.handler(sess.peerID, msg)
			}
		}
	}
}

func (m *Manager) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := &wire.Heartbeat{
				NodeID:     m.cfg.Self.ID,
				WallTimeMS: uint64(time.Now().UnixMilli()),
			}
			if err := sess.send(hb); err != nil {
				m.markUnreachable(sess, err)
				return
			}
		case <-sess.closed:
			return
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) touch(id types.NodeID) {
	m.mu.Lock()
	if p, ok := m.peers[id]; ok {
		p.node.LastSeen = time.Now()
		p.node.Status = types.NodeStatusReady
	}
	m.mu.Unlock()
}

// markUnreachable closes the session but leaves the peer in the table
// for the eviction window so a fresh beacon can reconnect it.
func (m *Manager) markUnreachable(sess *session, cause error) {
	sess.close()

	m.mu.Lock()
	p, ok := m.peers[sess.peerID]
	if !ok || p.sess != sess {
		m.mu.Unlock()
		return
	}
	p.sess = nil
	p.node.Status = types.NodeStatusUnreachable
	p.unreachableAt = time.Now()
	m.mu.Unlock()

	select {
	case <-m.stopCh:
		return
	default:
	}

	m.logger.Warn().Err(cause).Str("peer_id", string(sess.peerID)).Msg("peer unreachable")
	m.publish(events.EventNodeUnreachable, sess.peerID, "session lost")
}

func (m *Manager) evict(id types.NodeID, reason string) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
		if p.sess != nil {
			p.sess.close()
		}
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info().Str("peer_id", string(id)).Str("reason", reason).Msg("peer evicted")
		m.publish(events.EventNodeLeft, id, reason)
	}
}

func (m *Manager) reaperLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reapExpired() {
	m.mu.RLock()
	var expired []types.NodeID
	for id, p := range m.peers {
		if p.sess == nil && time.Since(p.unreachableAt) > evictAfter {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.evict(id, "eviction window expired")
	}
}

// SendTo delivers one message to a peer over its session.
func (m *Manager) SendTo(id types.NodeID, msg wire.Message) error {
	m.mu.RLock()
	p, ok := m.peers[id]
	var sess *session
	if ok {
		sess = p.sess
	}
	m.mu.RUnlock()

	if sess == nil || sess.isClosed() {
		return fmt.Errorf("%w: %s", types.ErrPeerUnreachable, id)
	}
	if err := sess.send(msg); err != nil {
		m.markUnreachable(sess, err)
		return fmt.Errorf("%w: %s: %v", types.ErrPeerUnreachable, id, err)
	}
	return nil
}

// Broadcast delivers a message to every ready peer, best effort.
func (m *Manager) Broadcast(msg wire.Message) {
	for _, node := range m.Peers() {
		if node.Status != types.NodeStatusReady {
			continue
		}
		if err := m.SendTo(node.ID, msg); err != nil {
			m.logger.Debug().Err(err).Str("peer_id", string(node.ID)).Msg("broadcast send failed")
		}
	}
}

// Peers returns a snapshot of the membership table.
func (m *Manager) Peers() []types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Node, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.node)
	}
	return out
}

// Peer looks up one member.
func (m *Manager) Peer(id types.NodeID) (types.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers[id]
	if !ok {
		return types.Node{}, false
	}
	return p.node, true
}

// Ready reports whether a live session to the peer exists.
func (m *Manager) Ready(id types.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.peers[id]
	return ok && p.sess != nil && !p.sess.isClosed()
}

func (m *Manager) publish(t events.EventType, id types.NodeID, msg string) {
	if m.cfg.Broker == nil {
		return
	}
	m.cfg.Broker.Publish(&events.Event{Type: t, NodeID: id, Message: msg})
}
