package image

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// Base images are locally preloaded rootfs tarballs keyed by name:tag
// under <root>/base/. There is no registry protocol; the one exception
// is alpine, whose minirootfs is fetched from the Alpine CDN on first
// use and cached like a preloaded tarball.

const (
	alpineVersion = "3.19"
	alpineRelease = "3.19.1"
	alpineCDN     = "https://dl-cdn.alpinelinux.org/alpine"
)

// BaseTarball resolves a FROM reference to a rootfs tarball on disk,
// fetching the alpine minirootfs when needed. Unresolvable references
// fail with ErrBaseUnresolved.
func (s *Store) BaseTarball(ctx context.Context, ref string) (string, error) {
	parsed, err := name.ParseReference(ref, name.WithDefaultTag("latest"))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadReference, ref, err)
	}

	path := filepath.Join(s.root, baseImagesDir, baseTarballName(ref))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	repo := parsed.Context().RepositoryStr()
	if repo == "library/alpine" || strings.HasPrefix(repo, "alpine") {
		if err := s.fetchAlpine(ctx, path); err != nil {
			return "", err
		}
		return path, nil
	}

	return "", fmt.Errorf("%w: %q: no preloaded tarball at %s", ErrBaseUnresolved, ref, path)
}

// baseTarballName maps a reference as written to its on-disk tarball
// name, e.g. "alpine:3.19" -> "alpine_3.19.tar.gz".
func baseTarballName(ref string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(ref) + ".tar.gz"
}

func (s *Store) fetchAlpine(ctx context.Context, dest string) error {
	arch, err := alpineArch()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v%s/releases/%s/alpine-minirootfs-%s-%s.tar.gz",
		alpineCDN, alpineVersion, arch, alpineRelease, arch)
	slog.Info("fetching base image", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBaseUnresolved, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: download alpine minirootfs: %v", ErrBaseUnresolved, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download alpine minirootfs: HTTP %d", ErrBaseUnresolved, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "fetch-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: download alpine minirootfs: %v", ErrBaseUnresolved, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

func alpineArch() (string, error) {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64", nil
	case "arm64":
		return "aarch64", nil
	default:
		return "", fmt.Errorf("%w: unsupported architecture %s", ErrBaseUnresolved, runtime.GOARCH)
	}
}
