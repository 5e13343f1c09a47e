package discovery

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/types"
)

// Magic prefixes every discovery datagram.
const Magic = "NHI1"

// announceInterval is the beacon cadence.
const announceInterval = 2 * time.Second

// maxDatagram bounds an inbound datagram; beacons are small.
const maxDatagram = 1024

// Beacon is the discovery datagram: who a node is and where its
// session listener lives. Beacons are informational; membership is
// only granted after a TCP handshake.
type Beacon struct {
	NodeID          types.NodeID
	NodeName        string
	ListenAddr      string
	ProtocolVersion uint16
	WallTimeMS      uint64
}

// Marshal serializes the beacon: magic, node id, name, listen addr,
// protocol version, wall time.
func (b *Beacon) Marshal() ([]byte, error) {
	id, err := uuid.Parse(string(b.NodeID))
	if err != nil {
		return nil, fmt.Errorf("invalid node id %q: %w", b.NodeID, err)
	}
	if len(b.NodeName) > 255 || len(b.ListenAddr) > 255 {
		return nil, fmt.Errorf("beacon field too long")
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, Magic...)
	buf = append(buf, id[:]...)
	buf = append(buf, byte(len(b.NodeName)))
	buf = append(buf, b.NodeName...)
	buf = append(buf, byte(len(b.ListenAddr)))
	buf = append(buf, b.ListenAddr...)
	buf = binary.BigEndian.AppendUint16(buf, b.ProtocolVersion)
	buf = binary.BigEndian.AppendUint64(buf, b.WallTimeMS)
	return buf, nil
}

// UnmarshalBeacon parses a datagram, rejecting anything that is not a
// well-formed beacon.
func UnmarshalBeacon(data []byte) (*Beacon, error) {
	if len(data) < len(Magic)+16 || string(data[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: not a discovery beacon", types.ErrProtocol)
	}
	off := len(Magic)

	var id uuid.UUID
	copy(id[:], data[off:off+16])
	off += 16

	name, off, err := readByteString(data, off)
	if err != nil {
		return nil, err
	}
	addr, off, err := readByteString(data, off)
	if err != nil {
		return nil, err
	}

	if len(data)-off != 10 {
		return nil, fmt.Errorf("%w: malformed beacon tail", types.ErrProtocol)
	}

	return &Beacon{
		NodeID:          types.NodeID(id.String()),
		NodeName:        name,
		ListenAddr:      addr,
		ProtocolVersion: binary.BigEndian.Uint16(data[off : off+2]),
		WallTimeMS:      binary.BigEndian.Uint64(data[off+2:]),
	}, nil
}

func readByteString(data []byte, off int) (string, int, error) {
	if off >= len(data) {
		return "", 0, fmt.Errorf("%w: truncated beacon", types.ErrProtocol)
	}
	n := int(data[off])
	off++
	if off+n > len(data) {
		return "", 0, fmt.Errorf("%w: truncated beacon", types.ErrProtocol)
	}
	return string(data[off : off+n]), off + n, nil
}

// Config holds discovery service configuration.
type Config struct {
	// Port is the UDP port beacons are sent to and received on.
	Port int

	// NodeID, NodeName and ListenAddr populate outgoing beacons.
	NodeID     types.NodeID
	NodeName   string
	ListenAddr string

	// ProtocolVersion stamps outgoing beacons.
	ProtocolVersion uint16

	// AnnounceAddrs are extra unicast targets beyond the LAN broadcast
	// address, for segments where broadcast does not carry.
	AnnounceAddrs []string

	// OnBeacon is invoked for every beacon from another node.
	OnBeacon func(*Beacon, *net.UDPAddr)
}

// Service broadcasts this node's beacon and listens for peers'.
type Service struct {
	cfg    Config
	conn   *net.UDPConn
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a discovery service; Start binds the socket.
func NewService(cfg Config) *Service {
	return &Service{
		cfg:    cfg,
		logger: log.WithComponent("discovery"),
		stopCh: make(chan struct{}),
	}
}

// Start binds the discovery socket and launches the announce and
// receive loops.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", s.cfg.Port, err)
	}
	if err := enableBroadcast(conn); err != nil {
		s.logger.Warn().Err(err).Msg("broadcast unavailable, relying on unicast announce targets")
	}
	s.conn = conn

	s.wg.Add(2)
	go s.receiveLoop()
	go s.announceLoop()

	s.logger.Info().Int("port", s.cfg.Port).Msg("discovery started")
	return nil
}

// Stop shuts the service down and waits for its loops.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.conn != nil {
			s.conn.Close()
		}
	})
	s.wg.Wait()
}

// Announce sends one beacon immediately.
func (s *Service) Announce() {
	beacon := &Beacon{
		NodeID:          s.cfg.NodeID,
		NodeName:        s.cfg.NodeName,
		ListenAddr:      s.cfg.ListenAddr,
		ProtocolVersion: s.cfg.ProtocolVersion,
		WallTimeMS:      uint64(time.Now().UnixMilli()),
	}
	data, err := beacon.Marshal()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal beacon")
		return
	}

	targets := []string{fmt.Sprintf("255.255.255.255:%d", s.cfg.Port)}
	targets = append(targets, s.cfg.AnnounceAddrs...)

	for _, target := range targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			continue
		}
		if _, err := s.conn.WriteToUDP(data, addr); err != nil {
			s.logger.Debug().Err(err).Str("target", target).Msg("beacon send failed")
		}
	}
}

func (s *Service) announceLoop() {
	defer s.wg.Done()

	s.Announce()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Announce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug().Err(err).Msg("discovery read failed")
				continue
			}
		}

		beacon, err := UnmarshalBeacon(buf[:n])
		if err != nil {
			s.logger.Debug().Str("from", from.String()).Msg("ignoring malformed datagram")
			continue
		}
		if beacon.NodeID == s.cfg.NodeID {
			continue
		}
		if s.cfg.OnBeacon != nil {
			s.cfg.OnBeacon(beacon, from)
		}
	}
}

func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = setBroadcast(fd)
	})
	if err != nil {
		return err
	}
	return serr
}
