package migrate

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/shadow"
	"github.com/nhilabs/nhi/pkg/store"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

const (
	// readyTimeout bounds the request/ready leg of the handshake.
	readyTimeout = 10 * time.Second

	// swapAckTimeout is how long the target waits for the source's
	// SwapAck before assuming success and re-announcing ownership.
	swapAckTimeout = 10 * time.Second

	// DefaultTimeout is the end-to-end soft deadline of a migration.
	DefaultTimeout = 120 * time.Second
)

// Cluster is the slice of the node manager the coordinator needs.
type Cluster interface {
	SendTo(id types.NodeID, msg wire.Message) error
	Broadcast(msg wire.Message)
	Ready(id types.NodeID) bool
}

// Driver is the checkpoint/restore contract the coordinator drives.
type Driver interface {
	Dump(ctx context.Context, pid int, imagesDir string, opts criu.DumpOpts) error
	Restore(ctx context.Context, imagesDir string, opts criu.RestoreOpts) (int, error)
}

// Proc is the slice of the process manager the coordinator needs.
type Proc interface {
	Resume(pid int) error
	Stop(ctx context.Context, pid int, grace time.Duration) error
	Kill(pid int)
}

// Config holds coordinator configuration.
type Config struct {
	Self    types.NodeID
	Store   *store.Store
	Cluster Cluster
	Driver  Driver
	Proc    Proc
	Permits *shadow.Permits
	Broker  *events.Broker
	Timeout time.Duration
}

// Coordinator drives the migration state machine on both ends:
// Migrate runs the source side; HandleMessage reacts to the protocol
// as source (responses) and target (requests, completion, swap).
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	outbound map[types.InstanceID]*outboundMigration
	inbound  map[types.InstanceID]*inboundMigration
	waiters  map[types.InstanceID]chan wire.Message
}

// outboundMigration is source-side bookkeeping for one in-flight
// migration.
type outboundMigration struct {
	target    types.NodeID
	cancel    context.CancelFunc
	committed bool // ImagesComplete sent; cancellation no longer allowed
}

// inboundMigration is target-side bookkeeping.
type inboundMigration struct {
	source    types.NodeID
	created   bool // record did not exist before this migration
	prevRole  types.Role
	prevRef   *types.CheckpointRef
	startedAt time.Time
}

// NewCoordinator creates a migration coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   log.WithComponent("migrate"),
		outbound: make(map[types.InstanceID]*outboundMigration),
		inbound:  make(map[types.InstanceID]*inboundMigration),
		waiters:  make(map[types.InstanceID]chan wire.Message),
	}
}

// HandleMessage consumes one migration-protocol message. It reports
// whether the message belonged to the migration protocol.
func (c *Coordinator) HandleMessage(from types.NodeID, msg wire.Message) bool {
	switch msg := msg.(type) {
	case *wire.MigrationRequest:
		c.handleRequest(from, msg)
	case *wire.ImagesComplete:
		c.handleImagesComplete(from, msg)
	case *wire.SwapAck:
		c.handleSwapAck(from, msg)
	case *wire.MigrationReady, *wire.MigrationReject, *wire.MigrationOk, *wire.MigrationFail:
		c.deliver(msg)
	default:
		return false
	}
	return true
}

// deliver routes a response to the source-side waiter, if any.
func (c *Coordinator) deliver(msg wire.Message) {
	var id types.InstanceID
	switch m := msg.(type) {
	case *wire.MigrationReady:
		id = m.InstanceID
	case *wire.MigrationReject:
		id = m.InstanceID
	case *wire.MigrationOk:
		id = m.InstanceID
	case *wire.MigrationFail:
		id = m.InstanceID
	}

	c.mu.Lock()
	ch, ok := c.waiters[id]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("instance_id", string(id)).Msgf("dropping unexpected %T", msg)
		return
	}
	select {
	case ch <- msg:
	default:
		c.logger.Warn().Str("instance_id", string(id)).Msg("waiter channel full")
	}
}

func (c *Coordinator) await(ctx context.Context, id types.InstanceID, timeout time.Duration) (wire.Message, error) {
	c.mu.Lock()
	ch := c.waiters[id]
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return nil, types.ErrPeerUnreachable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) publish(t events.EventType, id types.InstanceID, nodeID types.NodeID, msg string) {
	if c.cfg.Broker == nil {
		return
	}
	c.cfg.Broker.Publish(&events.Event{Type: t, InstanceID: id, NodeID: nodeID, Message: msg})
}
