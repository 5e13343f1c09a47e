package control

import (
	"github.com/nhilabs/nhi/pkg/types"
)

// SocketName is the control socket file under the data directory.
const SocketName = "control.sock"

// Request is one command from the CLI to the local daemon.
type Request struct {
	Op      string   `json:"op"`
	ID      string   `json:"id,omitempty"`
	Name    string   `json:"name,omitempty"`
	Program string   `json:"program,omitempty"`
	Args    []string `json:"args,omitempty"`
	Target  string   `json:"target,omitempty"`
}

// Operations understood by the daemon.
const (
	OpStartDetached = "start-detached"
	OpStop          = "stop"
	OpPause         = "pause"
	OpResume        = "resume"
	OpCheckpoint    = "checkpoint"
	OpRestore       = "restore"
	OpMigrate       = "migrate"
	OpCancel        = "cancel-migration"
	OpPurge         = "purge"
	OpList          = "list"
	OpNodes         = "nodes"
	OpLogs          = "logs"
)

// Response is the daemon's reply.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	InstanceID string                  `json:"instance_id,omitempty"`
	Instances  []*types.Instance       `json:"instances,omitempty"`
	Remote     []*types.RemoteInstance `json:"remote,omitempty"`
	Nodes      []types.Node            `json:"nodes,omitempty"`
	Log        string                  `json:"log,omitempty"`
}

// Core is the slice of the node the control surface drives.
type Core interface {
	StartDetached(program string, args []string) (types.InstanceID, error)
	StopInstance(id string) error
	PauseInstance(id string) error
	ResumeInstance(id string) error
	Checkpoint(id, name string) error
	RestoreCheckpoint(id, name string) error
	MigrateInstance(id, target string) error
	CancelMigration(id string) error
	PurgeInstance(id string) error
	Instances() ([]*types.Instance, []*types.RemoteInstance)
	Nodes() []types.Node
	InstanceLog(id string) (string, error)
}
