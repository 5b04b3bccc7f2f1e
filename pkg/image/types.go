// Package image is the content-addressed image store: gzipped layer
// tarballs keyed by sha256 digest, manifest and config JSON per
// name:tag, and the persistent build cache index. Layers are immutable
// once written; metadata writes are atomic.
package image

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

var (
	ErrStore            = errors.New("image store failure")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrLayerMissing     = errors.New("layer missing from store")
	ErrBaseUnresolved   = errors.New("base image cannot be resolved")
	ErrBadReference     = errors.New("invalid image reference")
)

// Manifest is the persisted identity of an image: an ordered list of
// layer digests. Extracting the layers in order reconstructs the
// filesystem.
type Manifest struct {
	Name   string          `json:"name"`
	Tag    string          `json:"tag"`
	Layers []digest.Digest `json:"layers"`
}

// Config is how to run the image: argv, environment and working
// directory.
type Config struct {
	Entrypoint []string `json:"entrypoint"`
	Env        []string `json:"env"`
	WorkingDir string   `json:"working_dir"`
}

// DefaultPath seeds every image's environment.
const DefaultPath = "PATH=/usr/local/bin:/usr/bin:/bin"

// NewConfig returns a config with the default environment and root
// working directory.
func NewConfig() *Config {
	return &Config{
		Entrypoint: []string{},
		Env:        []string{DefaultPath},
		WorkingDir: "/",
	}
}

// SplitRef splits "name:tag" into its parts. The tag defaults to
// "latest" when absent; an empty name or tag is rejected.
func SplitRef(ref string) (name, tag string, err error) {
	name, tag, found := strings.Cut(ref, ":")
	if !found {
		tag = "latest"
	}
	if name == "" || tag == "" || strings.Contains(tag, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	return name, tag, nil
}
