package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nhilabs/nhi/pkg/types"
)

const identityFile = "node_id"

// LoadOrCreateNodeID returns the node's persistent identity, creating
// and persisting a fresh UUID on first start. The id lives alongside
// the rest of the node state in dataDir.
func LoadOrCreateNodeID(dataDir string) (types.NodeID, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dataDir, identityFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id, perr := uuid.Parse(strings.TrimSpace(string(data)))
		if perr != nil {
			return "", fmt.Errorf("corrupt node identity at %s: %w", path, perr)
		}
		return types.NodeID(id.String()), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read node identity: %w", err)
	}

	id := uuid.New()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write node identity: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to persist node identity: %w", err)
	}
	return types.NodeID(id.String()), nil
}

// NewInstanceID allocates a short instance id: the first 8 hex
// characters of a fresh UUID. taken reports whether an id is already in
// use locally; on collision a new UUID is drawn, a bounded number of
// times.
func NewInstanceID(taken func(types.InstanceID) bool) (types.InstanceID, error) {
	for attempt := 0; attempt < 4; attempt++ {
		full := uuid.New().String()
		short := types.InstanceID(strings.ReplaceAll(full, "-", "")[:8])
		if taken == nil || !taken(short) {
			return short, nil
		}
	}
	return "", fmt.Errorf("failed to allocate a unique instance id")
}
