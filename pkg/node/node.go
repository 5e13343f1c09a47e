package node

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/cluster"
	"github.com/nhilabs/nhi/pkg/config"
	"github.com/nhilabs/nhi/pkg/control"
	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/discovery"
	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/metrics"
	"github.com/nhilabs/nhi/pkg/migrate"
	"github.com/nhilabs/nhi/pkg/proc"
	"github.com/nhilabs/nhi/pkg/registry"
	"github.com/nhilabs/nhi/pkg/shadow"
	"github.com/nhilabs/nhi/pkg/store"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// Node assembles the full supervisor: instance store, process
// manager, checkpoint driver, cluster substrate, shadow sync engine
// and migration coordinator, plus the local control surface.
type Node struct {
	cfg     *config.Config
	id      types.NodeID
	version string
	logger  zerolog.Logger

	broker   *events.Broker
	store    *store.Store
	registry *registry.Registry
	proc     *proc.Manager
	driver   *criu.Driver
	permits  *shadow.Permits

	cluster   *cluster.Manager
	disco     *discovery.Service
	engine    *shadow.Engine
	inbound   *shadow.Inbound
	coord     *migrate.Coordinator
	collector *metrics.Collector
	ctl       *control.Server

	metricsSrv *http.Server
	stopCh     chan struct{}
}

// New wires a node from its configuration. Nothing runs until Start.
func New(cfg *config.Config, version string) (*Node, error) {
	id, err := config.LoadOrCreateNodeID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()

	st, err := store.NewStore(cfg.DataDir, broker)
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:      cfg,
		id:       id,
		version:  version,
		logger:   log.WithComponent("node"),
		broker:   broker,
		store:    st,
		registry: reg,
		proc:     proc.NewManager(cfg.Daemonizer),
		driver:   criu.NewDriver(cfg.CheckpointTool),
		permits:  shadow.NewPermits(),
		stopCh:   make(chan struct{}),
	}

	n.cluster = cluster.NewManager(cluster.Config{
		Self: types.Node{
			ID:      id,
			Name:    cfg.NodeName,
			Addr:    cfg.ListenAddr,
			Version: version,
		},
		ListenAddr: cfg.ListenAddr,
		Broker:     broker,
	})
	n.cluster.SetHandler(n.route)

	n.inbound = shadow.NewInbound(st, broker)
	n.engine = shadow.NewEngine(shadow.Config{
		Self:     id,
		Store:    st,
		Dumper:   n.driver,
		Cluster:  n.cluster,
		Permits:  n.permits,
		Broker:   broker,
		Interval: cfg.ShadowSyncInterval.Std(),
	})
	n.coord = migrate.NewCoordinator(migrate.Config{
		Self:    id,
		Store:   st,
		Cluster: n.cluster,
		Driver:  n.driver,
		Proc:    n.proc,
		Permits: n.permits,
		Broker:  broker,
	})

	n.collector = metrics.NewCollector(st, n.cluster)
	n.ctl = control.NewServer(n, filepath.Join(cfg.DataDir, control.SocketName))

	return n, nil
}

// ID returns the node's persistent identity.
func (n *Node) ID() types.NodeID { return n.id }

// Start brings the node up: role recovery, control surface, then the
// networking substrate when enabled.
func (n *Node) Start() error {
	n.broker.Start()
	n.recoverRoles()

	if err := n.ctl.Start(); err != nil {
		return err
	}

	if n.cfg.NetworkingEnabled {
		if err := n.cluster.Start(); err != nil {
			return err
		}

		n.disco = discovery.NewService(discovery.Config{
			Port:            n.cfg.DiscoveryPort,
			NodeID:          n.id,
			NodeName:        n.cfg.NodeName,
			ListenAddr:      advertiseAddr(n.cfg.ListenAddr, n.cluster.Addr()),
			ProtocolVersion: wire.ProtocolVersion,
			OnBeacon:        n.cluster.HandleBeacon,
		})
		if err := n.disco.Start(); err != nil {
			return err
		}

		n.inbound.Start()
		n.engine.Start()
		go n.announceOwnedLoop()
	}

	n.collector.Start()
	if n.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		n.metricsSrv = &http.Server{Addr: n.cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := n.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				n.logger.Warn().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	n.logger.Info().
		Str("node_id", string(n.id)).
		Str("name", n.cfg.NodeName).
		Bool("networking", n.cfg.NetworkingEnabled).
		Msg("node started")
	return nil
}

// Stop shuts the node down: sync engine first, then workloads per
// policy, then the substrate.
func (n *Node) Stop() {
	close(n.stopCh)

	n.engine.Stop()
	n.shutdownWorkloads()

	if n.disco != nil {
		n.disco.Stop()
	}
	n.inbound.Stop()
	n.cluster.Stop()
	n.ctl.Stop()
	n.collector.Stop()
	if n.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n.metricsSrv.Shutdown(ctx)
		cancel()
	}
	n.broker.Stop()
	n.registry.Close()

	n.logger.Info().Msg("node stopped")
}

// route dispatches inbound session messages: transfer frames to the
// inbound hub, migration frames to the coordinator, broadcasts here.
func (n *Node) route(from types.NodeID, msg wire.Message) {
	if n.inbound.HandleMessage(from, msg) {
		return
	}
	if n.coord.HandleMessage(from, msg) {
		return
	}

	switch msg := msg.(type) {
	case *wire.InstanceCreated:
		n.handleInstanceCreated(from, msg)
	case *wire.OwnershipChanged:
		n.handleOwnershipChanged(from, msg)
	default:
		n.logger.Warn().Str("peer_id", string(from)).Msgf("unhandled message %T", msg)
	}
}

// handleInstanceCreated registers a remote instance and prepares a
// local shadow record for it, so later sync pushes have a home.
func (n *Node) handleInstanceCreated(from types.NodeID, msg *wire.InstanceCreated) {
	if err := n.registry.UpsertInstance(&types.RemoteInstance{
		ID:        msg.InstanceID,
		Program:   msg.Program,
		OwnerNode: msg.Owner,
	}); err != nil {
		n.logger.Warn().Err(err).Str("instance_id", string(msg.InstanceID)).Msg("failed to record remote instance")
	}

	if n.store.Exists(msg.InstanceID) {
		return
	}
	err := n.store.Create(&types.Instance{
		ID:        msg.InstanceID,
		Program:   msg.Program,
		Args:      msg.Args,
		Role:      types.RoleShadow,
		OwnerNode: msg.Owner,
		AutoSync:  true,
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("instance_id", string(msg.InstanceID)).Msg("failed to create shadow record")
	}
}

// handleOwnershipChanged converges the local view on the announced
// owner. Stale broadcasts (lower seq) are discarded; a local Running
// role yields, and its pid dies with it, never to be resumed.
func (n *Node) handleOwnershipChanged(from types.NodeID, msg *wire.OwnershipChanged) {
	if err := n.registry.UpsertInstance(&types.RemoteInstance{
		ID:        msg.InstanceID,
		OwnerNode: msg.NewOwner,
		Seq:       msg.Seq,
	}); err != nil {
		n.logger.Warn().Err(err).Str("instance_id", string(msg.InstanceID)).Msg("failed to record ownership change")
	}

	if msg.NewOwner == n.id {
		return
	}

	inst, err := n.store.Get(msg.InstanceID)
	if err != nil {
		return
	}
	if msg.Seq < inst.Seq() {
		n.logger.Debug().Str("instance_id", string(msg.InstanceID)).Msg("discarding stale ownership broadcast")
		return
	}
	if inst.OwnerNode == msg.NewOwner && inst.Role != types.RoleRunning {
		return
	}

	if inst.Role == types.RoleRunning && inst.PID > 0 {
		n.logger.Warn().
			Str("instance_id", string(msg.InstanceID)).
			Str("new_owner", string(msg.NewOwner)).
			Msg("yielding ownership, killing local process")
		n.proc.Kill(inst.PID)
	}

	_, err = n.store.Update(msg.InstanceID, func(i *types.Instance) error {
		i.Role = types.RoleShadow
		i.PID = 0
		i.OwnerNode = msg.NewOwner
		return nil
	})
	if err != nil {
		n.logger.Error().Err(err).Str("instance_id", string(msg.InstanceID)).Msg("failed to apply ownership change")
	}
	n.broker.Publish(&events.Event{
		Type:       events.EventOwnershipChanged,
		InstanceID: msg.InstanceID,
		NodeID:     msg.NewOwner,
		Message:    "ownership changed",
	})
}

// announceOwnedLoop periodically re-announces owned instances so
// late-joining peers converge without a migration. It doubles as the
// stalled-migration janitor.
func (n *Node) announceOwnedLoop() {
	ticker := time.NewTicker(cluster.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, inst := range n.store.List() {
				if inst.Role != types.RoleRunning {
					continue
				}
				n.cluster.Broadcast(&wire.InstanceCreated{
					InstanceID: inst.ID,
					Owner:      n.id,
					Program:    inst.Program,
					Args:       inst.Args,
				})
				n.cluster.Broadcast(&wire.OwnershipChanged{
					InstanceID: inst.ID,
					NewOwner:   n.id,
					Seq:        inst.Seq(),
				})
			}
			n.coord.ExpireStalled()
		case <-n.stopCh:
			return
		}
	}
}

// recoverRoles resolves transient migration roles left by a crash.
// The on-disk config is authoritative for what was in flight.
func (n *Node) recoverRoles() {
	for _, inst := range n.store.List() {
		switch inst.Role {
		case types.RoleRunning:
			if inst.PID > 0 && proc.Alive(inst.PID) {
				continue
			}
			n.logger.Warn().Str("instance_id", string(inst.ID)).Msg("process died while node was down")
			n.transition(inst.ID, types.RoleStopped, 0)

		case types.RoleMigratingSource:
			n.recoverSource(inst)

		case types.RoleMigratingTarget, types.RoleRestoring:
			// The transfer or restore died with the node; the images on
			// disk decide whether this is still a useful shadow.
			if inst.LatestCheckpoint != nil {
				n.transition(inst.ID, types.RoleShadow, 0)
			} else {
				n.transition(inst.ID, types.RoleStopped, 0)
			}
		}
	}
}

// recoverSource resolves a crash mid-migration: if ownership moved,
// become a shadow; otherwise re-elect this node as the owner and
// resume the stopped process if it survived.
func (n *Node) recoverSource(inst *types.Instance) {
	ri, err := n.registry.GetInstance(inst.ID)
	if err == nil && ri.OwnerNode != "" && ri.OwnerNode != n.id {
		n.logger.Info().
			Str("instance_id", string(inst.ID)).
			Str("owner", string(ri.OwnerNode)).
			Msg("migration completed while node was down, assuming shadow role")
		if inst.PID > 0 && proc.Alive(inst.PID) {
			n.proc.Kill(inst.PID)
		}
		n.transition(inst.ID, types.RoleShadow, 0)
		return
	}

	if inst.PID > 0 && proc.Alive(inst.PID) {
		n.logger.Info().Str("instance_id", string(inst.ID)).Msg("re-electing self as owner after interrupted migration")
		if err := n.proc.Resume(inst.PID); err != nil {
			n.logger.Warn().Err(err).Int("pid", inst.PID).Msg("failed to resume recovered process")
		}
		n.transition(inst.ID, types.RoleRunning, inst.PID)
		return
	}
	n.transition(inst.ID, types.RoleStopped, 0)
}

func (n *Node) transition(id types.InstanceID, role types.Role, pid int) {
	_, err := n.store.Update(id, func(i *types.Instance) error {
		i.Role = role
		i.PID = pid
		if role == types.RoleRunning {
			i.OwnerNode = n.id
		}
		return nil
	})
	if err != nil {
		n.logger.Error().Err(err).Str("instance_id", string(id)).Msg("failed to recover role")
	}
}

// shutdownWorkloads applies the exit policy: auto-synced instances
// get a final checkpoint before the process dies, everything else a
// graceful stop.
func (n *Node) shutdownWorkloads() {
	for _, inst := range n.store.List() {
		if inst.Role != types.RoleRunning || inst.PID == 0 {
			continue
		}

		if inst.AutoSync {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := n.finalCheckpoint(ctx, inst); err != nil {
				n.logger.Warn().Err(err).Str("instance_id", string(inst.ID)).Msg("final checkpoint failed, stopping process instead")
				_ = n.proc.Stop(ctx, inst.PID, proc.DefaultStopGrace)
			} else {
				n.proc.Kill(inst.PID)
			}
			cancel()
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), proc.DefaultStopGrace+2*time.Second)
			_ = n.proc.Stop(ctx, inst.PID, proc.DefaultStopGrace)
			cancel()
		}

		n.transition(inst.ID, types.RoleStopped, 0)
	}
}

func (n *Node) finalCheckpoint(ctx context.Context, inst *types.Instance) error {
	if !n.permits.TryAcquire(inst.ID) {
		return fmt.Errorf("%w: %s", types.ErrBusy, inst.ID)
	}
	defer n.permits.Release(inst.ID)

	_, err := n.checkpointLocked(ctx, inst, fmt.Sprintf("shutdown-%d", inst.Seq()+1), false)
	return err
}

// advertiseAddr substitutes the actual bound port when the configured
// listen address asked for an ephemeral one.
func advertiseAddr(configured, bound string) string {
	if configured == "" {
		return bound
	}
	if _, port, err := net.SplitHostPort(configured); err == nil && port != "0" {
		return configured
	}
	return bound
}
