package criu

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/nhilabs/nhi/pkg/types"
)

// ManifestFileName is the manifest's name inside a checkpoint
// directory. It is never part of its own file list.
const ManifestFileName = "manifest.json"

// Tool byproducts that vary between otherwise identical dumps. They
// stay out of the manifest so an unchanged process hashes identically.
var manifestExcluded = map[string]bool{
	ManifestFileName: true,
	"dump.log":       true,
	"restore.log":    true,
	"restore.pid":    true,
	"stats-dump":     true,
	"stats-restore":  true,
}

// BuildManifest hashes every image file directly under dir and returns
// the canonical manifest for sequence seq. Files are listed sorted by
// name; subdirectories are not expected in an image set and are
// skipped.
func BuildManifest(dir string, seq uint64) (*types.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory: %w", err)
	}

	var files []types.ManifestFile
	for _, e := range entries {
		if e.IsDir() || manifestExcluded[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", e.Name(), err)
		}
		sum, err := hashFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, types.ManifestFile{
			Name:   e.Name(),
			Size:   uint64(info.Size()),
			SHA256: sum,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return &types.Manifest{
		Seq:    seq,
		SHA256: SetHash(files),
		Files:  files,
	}, nil
}

// SetHash computes the content hash of an image set from its sorted
// file entries. The digest covers name, size and per-file hash of each
// entry, so any byte change anywhere in the set changes the result.
func SetHash(files []types.ManifestFile) string {
	h := sha256.New()
	for _, f := range files {
		fmt.Fprintf(h, "%s\n%d\n%s\n", f.Name, f.Size, f.SHA256)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WriteManifest persists m as manifest.json inside dir via
// write-to-temp plus atomic rename.
func WriteManifest(dir string, m *types.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(dir, ManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}
	return nil
}

// ReadManifest loads manifest.json from dir.
func ReadManifest(dir string) (*types.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m types.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &m, nil
}

// VerifyManifest recomputes the set hash from the files on disk and
// compares it against the manifest.
func VerifyManifest(dir string, m *types.Manifest) error {
	rebuilt, err := BuildManifest(dir, m.Seq)
	if err != nil {
		return err
	}
	if rebuilt.SHA256 != m.SHA256 {
		return fmt.Errorf("%w: manifest hash mismatch: have %s, want %s",
			types.ErrTransferFailed, rebuilt.SHA256, m.SHA256)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
