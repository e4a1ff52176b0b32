package reconcile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Probe checks for observable live media evidence for a stream key and can
// purge the ephemeral live files once a session is over.
type Probe interface {
	Exists(streamKey string) (bool, error)
	Purge(streamKey string) error
}

// ManifestProbe observes HLS output on the local filesystem. Evidence for a
// key is the presence of its manifest under <root>/<key>/<manifest>.
type ManifestProbe struct {
	root     string
	manifest string
}

// NewManifestProbe builds a probe rooted at the media server's HLS output
// directory. manifest defaults to index.m3u8.
func NewManifestProbe(root, manifest string) *ManifestProbe {
	if manifest == "" {
		manifest = "index.m3u8"
	}
	return &ManifestProbe{root: root, manifest: manifest}
}

func (p *ManifestProbe) manifestPath(streamKey string) (string, error) {
	key := strings.TrimSpace(streamKey)
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid stream key %q", streamKey)
	}
	return filepath.Join(p.root, key, p.manifest), nil
}

// Exists reports whether the live manifest for the key is on disk. A missing
// path is ordinary absence, not an error.
func (p *ManifestProbe) Exists(streamKey string) (bool, error) {
	path, err := p.manifestPath(streamKey)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat manifest %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

// Purge removes the key's entire live output directory. Purging a key with
// no output is a no-op.
func (p *ManifestProbe) Purge(streamKey string) error {
	path, err := p.manifestPath(streamKey)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge live output %s: %w", dir, err)
	}
	return nil
}
