package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

// DigestFile computes the sha256 digest of a file's bytes, streamed.
func DigestFile(path string) (digest.Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(digester.Hash(), file); err != nil {
		return "", fmt.Errorf("hash %q: %w", path, err)
	}
	return digester.Digest(), nil
}

// HashPath returns the hex content hash of a file or directory tree.
// Files hash to the sha256 of their bytes. Directories hash to the
// sha256 of the sorted (relative path, file hash) pairs of every regular
// file under them, so renames, moves and edits all change the result.
func HashPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}

	if !info.IsDir() {
		dgst, err := DigestFile(path)
		if err != nil {
			return "", err
		}
		return dgst.Encoded(), nil
	}

	type pathHash struct {
		rel  string
		hash string
	}

	var pairs []pathHash
	err = filepath.WalkDir(path, func(entryPath string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(path, entryPath)
		if err != nil {
			return err
		}
		dgst, err := DigestFile(entryPath)
		if err != nil {
			return err
		}
		pairs = append(pairs, pathHash{rel: filepath.ToSlash(rel), hash: dgst.Encoded()})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk %q: %w", path, err)
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].rel < pairs[j].rel })

	digester := digest.Canonical.Digester()
	for _, pair := range pairs {
		fmt.Fprintf(digester.Hash(), "%s\x00%s\x00", pair.rel, pair.hash)
	}
	return digester.Digest().Encoded(), nil
}
