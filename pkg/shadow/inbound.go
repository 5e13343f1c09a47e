package shadow

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/metrics"
	"github.com/nhilabs/nhi/pkg/store"
	"github.com/nhilabs/nhi/pkg/transfer"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// Inbound receives replicated image sets, both shadow-sync pushes and
// migration transfers. Sets land in the instance's images directory
// and advance latest_checkpoint only with a strictly increasing seq;
// anything else is discarded.
type Inbound struct {
	store  *store.Store
	broker *events.Broker
	logger zerolog.Logger

	mu     sync.Mutex
	active map[types.InstanceID]*transfer.Receiver

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewInbound creates the receiving hub.
func NewInbound(st *store.Store, broker *events.Broker) *Inbound {
	return &Inbound{
		store:  st,
		broker: broker,
		logger: log.WithComponent("shadow"),
		active: make(map[types.InstanceID]*transfer.Receiver),
		stopCh: make(chan struct{}),
	}
}

// Start launches the expiry janitor for stalled transfers.
func (in *Inbound) Start() {
	go in.expireLoop()
}

// Stop halts the janitor and aborts in-flight transfers.
func (in *Inbound) Stop() {
	in.stopOnce.Do(func() { close(in.stopCh) })

	in.mu.Lock()
	defer in.mu.Unlock()
	for id, r := range in.active {
		r.Abort()
		delete(in.active, id)
	}
}

// HandleMessage consumes one transfer-protocol message. It reports
// whether the message was a transfer message at all, so the router
// can pass everything else on.
func (in *Inbound) HandleMessage(from types.NodeID, msg wire.Message) bool {
	switch msg := msg.(type) {
	case *wire.BeginSet:
		in.beginSet(from, msg)
	case *wire.BeginFile, *wire.Chunk, *wire.EndFile, *wire.EndSet:
		in.feed(from, msg)
	default:
		return false
	}
	return true
}

func (in *Inbound) beginSet(from types.NodeID, msg *wire.BeginSet) {
	logger := in.logger.With().
		Str("instance_id", string(msg.InstanceID)).
		Str("peer_id", string(from)).
		Logger()

	inst, err := in.store.Get(msg.InstanceID)
	if err != nil {
		logger.Warn().Msg("ignoring image set for unknown instance")
		return
	}

	// The owner never accepts inbound images; only shadows and
	// migration targets do.
	if inst.Role == types.RoleRunning || inst.Role == types.RoleMigratingSource {
		logger.Warn().Str("role", string(inst.Role)).Msg("refusing inbound image set in current role")
		return
	}

	// Shadows accept only strictly newer sets; retry-induced stale
	// pushes are dropped wholesale.
	if msg.Manifest.Seq <= inst.Seq() {
		logger.Debug().
			Uint64("have", inst.Seq()).
			Uint64("offered", msg.Manifest.Seq).
			Msg("discarding stale image set")
		return
	}

	r, err := transfer.NewReceiver(msg, in.store.ImageDir(msg.InstanceID, msg.Name))
	if err != nil {
		logger.Error().Err(err).Msg("failed to stage image set")
		return
	}

	in.mu.Lock()
	if prev, ok := in.active[msg.InstanceID]; ok {
		prev.Abort()
	}
	in.active[msg.InstanceID] = r
	in.mu.Unlock()
}

func (in *Inbound) feed(from types.NodeID, msg wire.Message) {
	var id types.InstanceID
	switch m := msg.(type) {
	case *wire.BeginFile:
		id = m.InstanceID
	case *wire.Chunk:
		id = m.InstanceID
	case *wire.EndFile:
		id = m.InstanceID
	case *wire.EndSet:
		id = m.InstanceID
	}

	in.mu.Lock()
	r, ok := in.active[id]
	in.mu.Unlock()
	if !ok {
		// No transfer in flight: the set was rejected at BeginSet and
		// the remainder of the stream is drained silently.
		return
	}

	complete, err := r.Feed(msg)
	if err != nil {
		in.logger.Warn().Err(err).Str("instance_id", string(id)).Msg("inbound transfer failed")
		metrics.TransfersFailed.Inc()
		r.Abort()
		in.drop(id, r)
		return
	}
	if complete {
		in.drop(id, r)
		in.commit(from, id, r)
	}
}

// commit records the received checkpoint on the local instance.
func (in *Inbound) commit(from types.NodeID, id types.InstanceID, r *transfer.Receiver) {
	manifest := r.Manifest()
	ref := &types.CheckpointRef{
		Name:     r.Name(),
		Seq:      manifest.Seq,
		SHA256:   manifest.SHA256,
		ByteSize: manifest.TotalBytes(),
	}

	_, err := in.store.Update(id, func(i *types.Instance) error {
		if manifest.Seq <= i.Seq() {
			// Raced with a newer set; keep the newer ref.
			return nil
		}
		i.LatestCheckpoint = ref
		return nil
	})
	if err != nil {
		in.logger.Error().Err(err).Str("instance_id", string(id)).Msg("failed to record received checkpoint")
		return
	}

	in.logger.Info().
		Str("instance_id", string(id)).
		Uint64("seq", manifest.Seq).
		Str("peer_id", string(from)).
		Msg("checkpoint received")

	if in.broker != nil {
		in.broker.Publish(&events.Event{
			Type:       events.EventShadowSyncCompleted,
			InstanceID: id,
			NodeID:     from,
			Message:    "checkpoint received",
		})
	}
}

func (in *Inbound) drop(id types.InstanceID, r *transfer.Receiver) {
	in.mu.Lock()
	if in.active[id] == r {
		delete(in.active, id)
	}
	in.mu.Unlock()
}

func (in *Inbound) expireLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			in.expire()
		case <-in.stopCh:
			return
		}
	}
}

func (in *Inbound) expire() {
	in.mu.Lock()
	defer in.mu.Unlock()

	for id, r := range in.active {
		if r.Expired() {
			in.logger.Warn().Str("instance_id", string(id)).Msg("discarding stalled transfer")
			metrics.TransfersFailed.Inc()
			r.Abort()
			delete(in.active, id)
		}
	}
}
