package image

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/opencontainers/go-digest"

	"github.com/forgebuild/forge/pkg/fsutil"
)

const (
	layersDir      = "layers"
	manifestsDir   = "manifests"
	baseImagesDir  = "base"
	cacheIndexFile = "cache_index.json"
	configSuffix   = ".config"
)

// Store is a filesystem-backed image store rooted at a single
// directory. It is not safe for concurrent builds; there is no locking.
type Store struct {
	root string
}

// DefaultRoot resolves the store root: FORGE_STORE_ROOT if set,
// otherwise ~/.forge-container/images.
func DefaultRoot() (string, error) {
	if root := os.Getenv("FORGE_STORE_ROOT"); root != "" {
		return root, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("%w: resolve home directory: %v", ErrStore, err)
	}
	return filepath.Join(home, ".forge-container", "images"), nil
}

// Open creates the store layout under root if needed and returns the
// store.
func Open(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, layersDir), filepath.Join(root, manifestsDir), filepath.Join(root, baseImagesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrStore, dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// SaveLayer ingests a layer tarball under its content digest. Saving
// the same bytes twice yields the same digest and a single stored file.
func (s *Store) SaveLayer(tarballPath string) (digest.Digest, error) {
	dgst, err := fsutil.DigestFile(tarballPath)
	if err != nil {
		return "", fmt.Errorf("%w: digest layer: %v", ErrStore, err)
	}

	dest := s.LayerPath(dgst)
	if _, err := os.Stat(dest); err == nil {
		return dgst, nil
	}

	// Copy to a temp name in the layers directory, then rename, so a
	// crashed ingest never leaves a half-written digest-named file.
	tmp, err := os.CreateTemp(filepath.Join(s.root, layersDir), "ingest-*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStore, err)
	}
	tmpName := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(tmpName)

	if err := fsutil.CopyFile(tarballPath, tmpName); err != nil {
		return "", fmt.Errorf("%w: copy layer: %v", ErrStore, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("%w: publish layer: %v", ErrStore, err)
	}
	return dgst, nil
}

// LayerPath returns where the tarball for a digest lives. The file may
// not exist; see LayerExists.
func (s *Store) LayerPath(dgst digest.Digest) string {
	return filepath.Join(s.root, layersDir, dgst.String())
}

// LayerExists reports whether the tarball for a digest is on disk.
func (s *Store) LayerExists(dgst digest.Digest) bool {
	_, err := os.Stat(s.LayerPath(dgst))
	return err == nil
}

// SaveManifest persists a manifest atomically under
// manifests/<name>/<tag>, overwriting any previous image at that tag.
func (s *Store) SaveManifest(m *Manifest) error {
	dir := filepath.Join(s.root, manifestsDir, m.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal manifest: %v", ErrStore, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, m.Tag), data, 0o644); err != nil {
		return fmt.Errorf("%w: write manifest: %v", ErrStore, err)
	}
	return nil
}

// LoadManifest reads the manifest for name:tag.
func (s *Store) LoadManifest(name, tag string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, manifestsDir, name, tag))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s:%s", ErrManifestNotFound, name, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", ErrStore, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest %s:%s: %v", ErrStore, name, tag, err)
	}
	return &m, nil
}

// SaveConfig persists the runtime config for name:tag atomically.
func (s *Store) SaveConfig(name, tag string, c *Config) error {
	dir := filepath.Join(s.root, manifestsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal config: %v", ErrStore, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, tag+configSuffix), data, 0o644); err != nil {
		return fmt.Errorf("%w: write config: %v", ErrStore, err)
	}
	return nil
}

// LoadConfig reads the runtime config for name:tag.
func (s *Store) LoadConfig(name, tag string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(s.root, manifestsDir, name, tag+configSuffix))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: config for %s:%s", ErrManifestNotFound, name, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read config: %v", ErrStore, err)
	}

	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode config %s:%s: %v", ErrStore, name, tag, err)
	}
	return &c, nil
}

// CachedLayer looks up the layer digest recorded for a build cache key.
func (s *Store) CachedLayer(key string) (digest.Digest, bool) {
	index, err := s.loadCacheIndex()
	if err != nil {
		return "", false
	}
	dgst, ok := index[key]
	return dgst, ok
}

// CacheLayer records a cache key -> layer digest mapping. Entries are
// append-only; there is no eviction.
func (s *Store) CacheLayer(key string, dgst digest.Digest) error {
	index, err := s.loadCacheIndex()
	if err != nil {
		return err
	}
	index[key] = dgst
	return s.saveCacheIndex(index)
}

func (s *Store) loadCacheIndex() (map[string]digest.Digest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, cacheIndexFile))
	if os.IsNotExist(err) {
		return map[string]digest.Digest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read cache index: %v", ErrStore, err)
	}

	index := map[string]digest.Digest{}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("%w: decode cache index: %v", ErrStore, err)
	}
	return index, nil
}

func (s *Store) saveCacheIndex(index map[string]digest.Digest) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal cache index: %v", ErrStore, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.root, cacheIndexFile), data, 0o644); err != nil {
		return fmt.Errorf("%w: write cache index: %v", ErrStore, err)
	}
	return nil
}
