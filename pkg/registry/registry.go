package registry

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nhilabs/nhi/pkg/types"
)

var (
	bucketInstances = []byte("remote_instances")
	bucketNodes     = []byte("known_nodes")
)

// Registry is the node's persistent view of instances owned elsewhere
// in the cluster, fed by InstanceCreated and OwnershipChanged
// broadcasts. It survives restarts so a rejoining node can route
// migration requests without waiting for a full re-announcement.
type Registry struct {
	db *bolt.DB
}

// Open opens (or creates) the registry database under dataDir.
func Open(dataDir string) (*Registry, error) {
	dbPath := filepath.Join(dataDir, "registry.db")

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketInstances, bucketNodes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Registry{db: db}, nil
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// UpsertInstance records or refreshes a remote instance. Ownership
// broadcasts are idempotent and may arrive out of order across
// sessions; an update with a lower seq than the stored one is
// discarded.
func (r *Registry) UpsertInstance(ri *types.RemoteInstance) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)

		if existing := b.Get([]byte(ri.ID)); existing != nil {
			var cur types.RemoteInstance
			if err := json.Unmarshal(existing, &cur); err == nil && cur.Seq > ri.Seq {
				return nil
			}
		}

		ri.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(ri)
		if err != nil {
			return err
		}
		return b.Put([]byte(ri.ID), data)
	})
}

// GetInstance returns the recorded owner of a remote instance.
func (r *Registry) GetInstance(id types.InstanceID) (*types.RemoteInstance, error) {
	var ri types.RemoteInstance
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(id))
		if data == nil {
			return types.NotFoundf(id)
		}
		return json.Unmarshal(data, &ri)
	})
	if err != nil {
		return nil, err
	}
	return &ri, nil
}

// ListInstances returns every recorded remote instance.
func (r *Registry) ListInstances() ([]*types.RemoteInstance, error) {
	var out []*types.RemoteInstance
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var ri types.RemoteInstance
			if err := json.Unmarshal(v, &ri); err != nil {
				return err
			}
			out = append(out, &ri)
			return nil
		})
	})
	return out, err
}

// DeleteInstance drops a remote instance, e.g. after it migrated to
// this node or was purged cluster-wide.
func (r *Registry) DeleteInstance(id types.InstanceID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

// RememberNode persists a peer's last known endpoint for reconnection
// after a restart.
func (r *Registry) RememberNode(n *types.Node) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(n.ID), data)
	})
}

// KnownNodes returns every remembered peer.
func (r *Registry) KnownNodes() ([]*types.Node, error) {
	var out []*types.Node
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			out = append(out, &n)
			return nil
		})
	})
	return out, err
}

// ForgetNode drops a remembered peer.
func (r *Registry) ForgetNode(id types.NodeID) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id))
	})
}
