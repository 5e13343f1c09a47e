package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nhilabs/nhi/pkg/criu"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// Receiver rebuilds one image set from the message stream into a
// staging directory and atomically renames it into place once EndSet
// verifies. Any error poisons the receiver; the staging directory is
// removed on Abort.
type Receiver struct {
	id       types.InstanceID
	name     string
	staging  string
	finalDir string
	manifest types.Manifest

	mu           sync.Mutex
	cur          *os.File
	curEntry     *types.ManifestFile
	curHash      hash.Hash
	curWritten   uint64
	received     map[string]bool
	lastActivity time.Time
	complete     bool
	failed       error
}

// NewReceiver prepares a staging directory next to the final image
// directory. The manifest arrives in BeginSet and fixes the expected
// file list up front.
func NewReceiver(begin *wire.BeginSet, finalDir string) (*Receiver, error) {
	staging := filepath.Join(filepath.Dir(finalDir), ".staging-"+filepath.Base(finalDir))

	// A dead transfer's leftovers are worthless.
	if err := os.RemoveAll(staging); err != nil {
		return nil, fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	return &Receiver{
		id:           begin.InstanceID,
		name:         begin.Name,
		staging:      staging,
		finalDir:     finalDir,
		manifest:     begin.Manifest,
		received:     make(map[string]bool),
		lastActivity: time.Now(),
	}, nil
}

// Name returns the checkpoint name being received.
func (r *Receiver) Name() string { return r.name }

// Manifest returns the manifest announced in BeginSet.
func (r *Receiver) Manifest() *types.Manifest { return &r.manifest }

// Expired reports whether the transfer has been idle past the chunk
// timeout.
func (r *Receiver) Expired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.complete && time.Since(r.lastActivity) > ChunkTimeout
}

// Feed consumes one transfer message. It returns true once EndSet has
// verified and the set has been renamed into its final location.
func (r *Receiver) Feed(msg wire.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed != nil {
		return false, r.failed
	}
	r.lastActivity = time.Now()

	var err error
	switch msg := msg.(type) {
	case *wire.BeginFile:
		err = r.beginFile(msg)
	case *wire.Chunk:
		err = r.chunk(msg)
	case *wire.EndFile:
		err = r.endFile(msg)
	case *wire.EndSet:
		if err = r.endSet(msg); err == nil {
			r.complete = true
			return true, nil
		}
	default:
		err = fmt.Errorf("%w: unexpected %T during transfer", types.ErrProtocol, msg)
	}

	if err != nil {
		r.failed = err
	}
	return false, err
}

func (r *Receiver) beginFile(msg *wire.BeginFile) error {
	if r.cur != nil {
		return fmt.Errorf("%w: BeginFile before EndFile", types.ErrProtocol)
	}

	var entry *types.ManifestFile
	for i := range r.manifest.Files {
		if r.manifest.Files[i].Name == msg.Name {
			entry = &r.manifest.Files[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("%w: file %s not in manifest", types.ErrTransferFailed, msg.Name)
	}
	if filepath.Base(msg.Name) != msg.Name {
		return fmt.Errorf("%w: refusing path-traversing file name %q", types.ErrTransferFailed, msg.Name)
	}

	f, err := os.Create(filepath.Join(r.staging, msg.Name))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	r.cur = f
	r.curEntry = entry
	r.curHash = sha256.New()
	r.curWritten = 0
	return nil
}

func (r *Receiver) chunk(msg *wire.Chunk) error {
	if r.cur == nil {
		return fmt.Errorf("%w: Chunk outside a file", types.ErrProtocol)
	}
	if len(msg.Data) > wire.MaxChunkSize {
		return fmt.Errorf("%w: oversize chunk", types.ErrProtocol)
	}
	if r.curWritten+uint64(len(msg.Data)) > r.curEntry.Size {
		return fmt.Errorf("%w: file %s exceeds declared size", types.ErrTransferFailed, r.curEntry.Name)
	}

	if _, err := r.cur.Write(msg.Data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	r.curHash.Write(msg.Data)
	r.curWritten += uint64(len(msg.Data))
	return nil
}

func (r *Receiver) endFile(msg *wire.EndFile) error {
	if r.cur == nil || r.curEntry.Name != msg.Name {
		return fmt.Errorf("%w: EndFile for unexpected file %s", types.ErrProtocol, msg.Name)
	}

	if err := r.cur.Close(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}

	if r.curWritten != r.curEntry.Size {
		return fmt.Errorf("%w: file %s has %d bytes, want %d",
			types.ErrTransferFailed, msg.Name, r.curWritten, r.curEntry.Size)
	}
	if sum := hex.EncodeToString(r.curHash.Sum(nil)); sum != r.curEntry.SHA256 {
		return fmt.Errorf("%w: file %s hash mismatch", types.ErrTransferFailed, msg.Name)
	}

	r.received[msg.Name] = true
	r.cur = nil
	r.curEntry = nil
	r.curHash = nil
	return nil
}

func (r *Receiver) endSet(msg *wire.EndSet) error {
	if r.cur != nil {
		return fmt.Errorf("%w: EndSet with a file still open", types.ErrProtocol)
	}
	for _, f := range r.manifest.Files {
		if !r.received[f.Name] {
			return fmt.Errorf("%w: file %s never transferred", types.ErrTransferFailed, f.Name)
		}
	}
	if msg.ManifestHash != r.manifest.SHA256 {
		return fmt.Errorf("%w: set hash mismatch", types.ErrTransferFailed)
	}

	// Independent verification from the staged bytes.
	rebuilt, err := criu.BuildManifest(r.staging, r.manifest.Seq)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	if rebuilt.SHA256 != r.manifest.SHA256 {
		return fmt.Errorf("%w: staged set hash mismatch", types.ErrTransferFailed)
	}

	if err := criu.WriteManifest(r.staging, &r.manifest); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}

	if err := os.RemoveAll(r.finalDir); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(r.finalDir), 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	if err := os.Rename(r.staging, r.finalDir); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	return nil
}

// Abort discards all staged state.
func (r *Receiver) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cur != nil {
		r.cur.Close()
		r.cur = nil
	}
	if !r.complete {
		os.RemoveAll(r.staging)
	}
}
