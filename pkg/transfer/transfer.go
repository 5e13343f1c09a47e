package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"github.com/nhilabs/nhi/pkg/types"
	"github.com/nhilabs/nhi/pkg/wire"
)

// ChunkTimeout is how long a receiver waits for the next frame of an
// in-flight set before discarding the whole transfer.
const ChunkTimeout = 60 * time.Second

// SendFunc delivers one message towards the receiving peer, FIFO.
type SendFunc func(wire.Message) error

// SendSet streams the image set in dir, described by manifest, as a
// BeginSet / BeginFile / Chunk / EndFile / EndSet sequence. A full
// resend of every manifest file is always valid; the receiver stages
// and verifies before anything becomes visible.
func SendSet(ctx context.Context, send SendFunc, id types.InstanceID, name, dir string, manifest *types.Manifest) error {
	if err := send(&wire.BeginSet{InstanceID: id, Name: name, Manifest: *manifest}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}

	for _, f := range manifest.Files {
		if err := sendFile(ctx, send, id, dir, f); err != nil {
			return err
		}
	}

	if err := send(&wire.EndSet{InstanceID: id, ManifestHash: manifest.SHA256}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	return nil
}

func sendFile(ctx context.Context, send SendFunc, id types.InstanceID, dir string, entry types.ManifestFile) error {
	f, err := os.Open(filepath.Join(dir, entry.Name))
	if err != nil {
		return fmt.Errorf("%w: failed to open %s: %v", types.ErrTransferFailed, entry.Name, err)
	}
	defer f.Close()

	msg := &wire.BeginFile{InstanceID: id, Name: entry.Name, Size: entry.Size, SHA256: entry.SHA256}
	if err := send(msg); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}

	buf := make([]byte, wire.MaxChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
		}

		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := &wire.Chunk{InstanceID: id, Data: buf[:n]}
			if err := send(chunk); err != nil {
				return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: failed to read %s: %v", types.ErrTransferFailed, entry.Name, rerr)
		}
	}

	if err := send(&wire.EndFile{InstanceID: id, Name: entry.Name}); err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransferFailed, err)
	}
	return nil
}
