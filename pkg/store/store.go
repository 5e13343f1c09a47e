package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/events"
	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/types"
)

// ConfigFileName is the per-instance record inside the instance
// directory. It is the source of truth; the in-memory map is a cache.
const ConfigFileName = "config.json"

// OutputLogName is the process output log, relative to the instance's
// output directory.
const OutputLogName = "process_output.log"

// Store is the authoritative per-node map of instances, mirrored to
// disk under <root>/instances/<id>/. Mutations are serialized per
// instance; the map lock is never held across file I/O.
type Store struct {
	root   string
	broker *events.Broker
	logger zerolog.Logger

	mu        sync.RWMutex
	instances map[types.InstanceID]*types.Instance

	writersMu sync.Mutex
	writers   map[types.InstanceID]*sync.Mutex
}

// NewStore opens the store rooted at dataDir and reloads every
// instance record found on disk.
func NewStore(dataDir string, broker *events.Broker) (*Store, error) {
	root := filepath.Join(dataDir, "instances")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instances directory: %w", err)
	}

	s := &Store{
		root:      root,
		broker:    broker,
		logger:    log.WithComponent("store"),
		instances: make(map[types.InstanceID]*types.Instance),
		writers:   make(map[types.InstanceID]*sync.Mutex),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load rebuilds the in-memory map from disk. Any in-memory state from
// a previous run is discarded wholesale; the on-disk config wins.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("failed to scan instances directory: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := types.InstanceID(e.Name())
		inst, err := s.readConfig(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("instance_id", string(id)).Msg("skipping unreadable instance record")
			continue
		}
		s.instances[id] = inst
	}

	s.logger.Info().Int("count", len(s.instances)).Msg("instance store loaded")
	return nil
}

// Dir returns the instance's directory.
func (s *Store) Dir(id types.InstanceID) string {
	return filepath.Join(s.root, string(id))
}

// ConfigPath returns the instance's config.json path.
func (s *Store) ConfigPath(id types.InstanceID) string {
	return filepath.Join(s.Dir(id), ConfigFileName)
}

// PidfilePath returns the instance's pidfile path.
func (s *Store) PidfilePath(id types.InstanceID) string {
	return filepath.Join(s.Dir(id), "pidfile")
}

// OutputLogPath returns the instance's output log path.
func (s *Store) OutputLogPath(id types.InstanceID) string {
	return filepath.Join(s.Dir(id), "output", OutputLogName)
}

// ImagesDir returns the root of the instance's checkpoint image sets.
func (s *Store) ImagesDir(id types.InstanceID) string {
	return filepath.Join(s.Dir(id), "images")
}

// ImageDir returns the directory of one named checkpoint.
func (s *Store) ImageDir(id types.InstanceID, name string) string {
	return filepath.Join(s.ImagesDir(id), name)
}

// Exists reports whether the id is known locally, in memory or on
// disk.
func (s *Store) Exists(id types.InstanceID) bool {
	s.mu.RLock()
	_, ok := s.instances[id]
	s.mu.RUnlock()
	if ok {
		return true
	}
	_, err := os.Stat(s.Dir(id))
	return err == nil
}

// Create registers a new instance and materializes its directory
// layout. The id must be unused.
func (s *Store) Create(inst *types.Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id must not be empty")
	}
	if s.Exists(inst.ID) {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}

	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.OutputLogPath = s.OutputLogPath(inst.ID)

	for _, dir := range []string{
		s.Dir(inst.ID),
		filepath.Dir(s.OutputLogPath(inst.ID)),
		s.ImagesDir(inst.ID),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create instance layout: %w", err)
		}
	}

	if err := s.writeConfig(inst); err != nil {
		return err
	}

	s.mu.Lock()
	s.instances[inst.ID] = copyInstance(inst)
	s.mu.Unlock()

	s.publish(events.EventInstanceCreated, inst, "instance created")
	return nil
}

// Get returns a snapshot copy of the instance record.
func (s *Store) Get(id types.InstanceID) (*types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, types.NotFoundf(id)
	}
	return copyInstance(inst), nil
}

// List returns snapshot copies of all local instances, oldest first.
func (s *Store) List() []*types.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Update applies mutate to a copy of the record, persists it, then
// swaps it into the map and notifies subscribers. Updates to the same
// instance are serialized; the disk write happens outside the map
// lock.
func (s *Store) Update(id types.InstanceID, mutate func(*types.Instance) error) (*types.Instance, error) {
	w := s.writer(id)
	w.Lock()
	defer w.Unlock()

	s.mu.RLock()
	cur, ok := s.instances[id]
	var work *types.Instance
	if ok {
		work = copyInstance(cur)
	}
	s.mu.RUnlock()

	if !ok {
		return nil, types.NotFoundf(id)
	}

	prevRole := work.Role
	if err := mutate(work); err != nil {
		return nil, err
	}
	work.UpdatedAt = time.Now().UTC()

	if err := s.writeConfig(work); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.instances[id] = copyInstance(work)
	s.mu.Unlock()

	s.publish(events.EventInstanceUpdated, work, "instance updated")
	if work.Role != prevRole {
		s.publish(events.EventRoleChanged, work, fmt.Sprintf("role %s -> %s", prevRole, work.Role))
	}
	return copyInstance(work), nil
}

// Purge removes the instance from memory and deletes its directory.
// Only stopped or shadow instances may be purged.
func (s *Store) Purge(id types.InstanceID) error {
	w := s.writer(id)
	w.Lock()
	defer w.Unlock()

	s.mu.Lock()
	inst, ok := s.instances[id]
	if ok {
		switch inst.Role {
		case types.RoleStopped, types.RoleShadow:
		default:
			s.mu.Unlock()
			return types.InvalidStatef(id, inst.Role, "purge")
		}
		delete(s.instances, id)
	}
	s.mu.Unlock()

	if !ok {
		return types.NotFoundf(id)
	}

	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("failed to remove instance directory: %w", err)
	}
	s.publish(events.EventInstancePurged, inst, "instance purged")
	return nil
}

func (s *Store) writer(id types.InstanceID) *sync.Mutex {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()

	w, ok := s.writers[id]
	if !ok {
		w = &sync.Mutex{}
		s.writers[id] = w
	}
	return w
}

// writeConfig syncs the record via write-to-temp plus atomic rename so
// a crash mid-write leaves the previous config intact.
func (s *Store) writeConfig(inst *types.Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", inst.ID, err)
	}

	path := s.ConfigPath(inst.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write instance config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to persist instance config: %w", err)
	}
	return nil
}

func (s *Store) readConfig(id types.InstanceID) (*types.Instance, error) {
	data, err := os.ReadFile(s.ConfigPath(id))
	if err != nil {
		return nil, err
	}
	var inst types.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("corrupt config for instance %s: %w", id, err)
	}
	return &inst, nil
}

func (s *Store) publish(t events.EventType, inst *types.Instance, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:       t,
		InstanceID: inst.ID,
		NodeID:     inst.OwnerNode,
		Message:    msg,
	})
}

func copyInstance(in *types.Instance) *types.Instance {
	out := *in
	if in.Args != nil {
		out.Args = append([]string(nil), in.Args...)
	}
	if in.ShadowNodes != nil {
		out.ShadowNodes = append([]types.NodeID(nil), in.ShadowNodes...)
	}
	if in.LatestCheckpoint != nil {
		cp := *in.LatestCheckpoint
		out.LatestCheckpoint = &cp
	}
	return &out
}
