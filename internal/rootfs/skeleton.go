// Package rootfs prepares and enters a container root filesystem: the
// standard directory skeleton, host binary provisioning for image-less
// launches, and the pivot_root sequence that makes the host root
// unreachable.
package rootfs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

var ErrPivot = errors.New("failed to pivot into rootfs")

// skeletonDirs is the standard layout every container root gets.
// old_root is the pivot_root put-old directory and is removed again
// after the pivot.
var skeletonDirs = []string{
	"bin", "sbin", "lib", "lib64",
	"usr/bin", "usr/sbin", "usr/lib",
	"etc", "root", "home",
	"proc", "sys", "dev", "tmp",
	"var", "run",
	"old_root",
}

// CreateSkeleton creates the rootfs directory and the standard
// directory structure beneath it. Existing directories are left alone,
// so this is safe to run over an extracted image.
func CreateSkeleton(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create container root %s: %w", root, err)
	}

	for _, dir := range skeletonDirs {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			slog.Warn("failed to create rootfs directory", "path", path, "error", err)
		}
	}
	return nil
}
