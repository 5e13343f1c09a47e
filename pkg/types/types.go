package types

import (
	"time"
)

// NodeID is the stable 128-bit identity of a node, formatted as a
// canonical UUID string. It survives restarts; addresses do not.
type NodeID string

// InstanceID is the short 8-hex-character identifier of an instance.
// It is the truncated form of a UUID allocated at creation time and is
// the only way instances are addressed in the protocol.
type InstanceID string

// Role is the role a node holds for an instance.
type Role string

const (
	// RoleRunning means this node executes the instance's process.
	RoleRunning Role = "running"

	// RoleShadow means this node holds a warm checkpoint but no process.
	RoleShadow Role = "shadow"

	// RoleStopped means the instance exists on disk but nothing runs it.
	RoleStopped Role = "stopped"

	// RoleMigratingSource is the transient source-side role during a
	// migration. The pid field remains valid in this role.
	RoleMigratingSource Role = "migrating-source"

	// RoleMigratingTarget is the transient target-side role while images
	// are inbound.
	RoleMigratingTarget Role = "migrating-target"

	// RoleRestoring is the target-side role between ImagesComplete and
	// the restore verdict.
	RoleRestoring Role = "restoring"
)

// Transient reports whether the role is a migration-time role that must
// not survive a node restart unresolved.
func (r Role) Transient() bool {
	switch r {
	case RoleMigratingSource, RoleMigratingTarget, RoleRestoring:
		return true
	}
	return false
}

// CheckpointRef points at an image set on disk under
// instances/<id>/images/<name>/. The hash is the canonical manifest
// hash, not a hash of the raw directory.
type CheckpointRef struct {
	Name     string `json:"name"`
	Seq      uint64 `json:"seq"`
	SHA256   string `json:"sha256"`
	ByteSize uint64 `json:"byte_size"`
}

// Instance is the per-node record of a logically persistent workload.
// The on-disk copy at instances/<id>/config.json is the source of
// truth; the in-memory copy is a cache rebuilt on startup.
type Instance struct {
	ID      InstanceID `json:"id"`
	Program string     `json:"program"`
	Args    []string   `json:"args"`

	Role   Role `json:"role"`
	Paused bool `json:"paused"`

	// PID is the live process id when Role is running or
	// migrating-source, zero otherwise.
	PID int `json:"pid,omitempty"`

	OwnerNode   NodeID   `json:"owner_node"`
	ShadowNodes []NodeID `json:"shadow_nodes,omitempty"`

	LatestCheckpoint *CheckpointRef `json:"latest_checkpoint,omitempty"`

	OutputLogPath string `json:"output_log_path"`
	AutoSync      bool   `json:"auto_sync"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Seq returns the sequence number of the latest checkpoint, zero when
// none exists yet.
func (i *Instance) Seq() uint64 {
	if i.LatestCheckpoint == nil {
		return 0
	}
	return i.LatestCheckpoint.Seq
}

// HasShadow reports whether id is recorded as a shadow holder. The set
// is a hint; membership is re-derived at migration time.
func (i *Instance) HasShadow(id NodeID) bool {
	for _, n := range i.ShadowNodes {
		if n == id {
			return true
		}
	}
	return false
}

// ManifestFile is one entry of a checkpoint manifest.
type ManifestFile struct {
	Name   string `json:"name"`
	Size   uint64 `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest is the canonical description of an image set, persisted as
// manifest.json inside the checkpoint directory. Files are sorted by
// name; the set hash is the SHA-256 of the sorted (name, size, sha256)
// triples.
type Manifest struct {
	Seq    uint64         `json:"seq"`
	SHA256 string         `json:"sha256"`
	Files  []ManifestFile `json:"files"`
}

// TotalBytes returns the summed size of all files in the set.
func (m *Manifest) TotalBytes() uint64 {
	var n uint64
	for _, f := range m.Files {
		n += f.Size
	}
	return n
}

// NodeStatus is the liveness state of a peer in the membership table.
type NodeStatus string

const (
	NodeStatusReady       NodeStatus = "ready"
	NodeStatusUnreachable NodeStatus = "unreachable"
)

// Node describes a cluster member as seen by the local node.
type Node struct {
	ID       NodeID     `json:"id"`
	Name     string     `json:"name"`
	Addr     string     `json:"addr"`
	Version  string     `json:"version"`
	Status   NodeStatus `json:"status"`
	JoinedAt time.Time  `json:"joined_at"`
	LastSeen time.Time  `json:"last_seen"`
}

// RemoteInstance is what the registry knows about an instance owned
// elsewhere in the cluster.
type RemoteInstance struct {
	ID        InstanceID `json:"id"`
	Program   string     `json:"program"`
	OwnerNode NodeID     `json:"owner_node"`
	Seq       uint64     `json:"seq"`
	UpdatedAt time.Time  `json:"updated_at"`
}
