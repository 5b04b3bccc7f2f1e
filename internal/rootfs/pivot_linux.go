//go:build linux

package rootfs

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Enter replaces the process's root with rootfs and mounts the virtual
// filesystems. After it returns no host path is reachable. Must run in
// an unshared mount namespace.
//
// The pivot ordering is load-bearing:
//
//	rprivate /  ->  bind rootfs onto itself  ->  chdir  ->
//	pivot_root(".", "./old_root")  ->  chdir /  ->
//	umount2(/old_root, MNT_DETACH)  ->  rmdir /old_root
func Enter(rootfs string) error {
	// Keep mount events from leaking back to the host table.
	if err := mount.MakeRPrivate("/"); err != nil {
		return fmt.Errorf("%w: make / rprivate: %v", ErrPivot, err)
	}

	// pivot_root needs new_root to be a mount point.
	mounted, err := mountinfo.Mounted(rootfs)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %v", ErrPivot, rootfs, err)
	}
	if !mounted {
		if err := mount.Mount(rootfs, rootfs, "", "rbind"); err != nil {
			return fmt.Errorf("%w: bind %s onto itself: %v", ErrPivot, rootfs, err)
		}
	}

	if err := pivotTo(rootfs); err != nil {
		return err
	}

	mountVirtualFilesystems()
	return nil
}

func pivotTo(rootfs string) error {
	if err := unix.Chdir(rootfs); err != nil {
		return fmt.Errorf("%w: chdir %s: %v", ErrPivot, rootfs, err)
	}

	if err := os.MkdirAll("old_root", 0o755); err != nil {
		return fmt.Errorf("%w: create old_root: %v", ErrPivot, err)
	}

	if err := unix.PivotRoot(".", "./old_root"); err != nil {
		// Pre-3.19 kernels refuse pivot_root in unshared mount
		// namespaces; degrade to chroot so the container still runs.
		slog.Warn("pivot_root failed, falling back to chroot", "error", err)
		return chrootTo(rootfs)
	}

	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("%w: chdir /: %v", ErrPivot, err)
	}

	if err := unix.Unmount("/old_root", unix.MNT_DETACH); err != nil {
		slog.Warn("failed to unmount old root", "error", err)
	}
	if err := os.Remove("/old_root"); err != nil {
		slog.Warn("failed to remove /old_root", "error", err)
	}

	return nil
}

func chrootTo(rootfs string) error {
	if err := unix.Chroot(rootfs); err != nil {
		return fmt.Errorf("%w: chroot %s: %v", ErrPivot, rootfs, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("%w: chdir / after chroot: %v", ErrPivot, err)
	}
	return nil
}

// mountVirtualFilesystems mounts proc, sys, dev and tmp inside the new
// root. Individual failures are logged and tolerated; a container
// without /sys is degraded, not dead.
func mountVirtualFilesystems() {
	if err := mount.Mount("proc", "/proc", "proc", ""); err != nil {
		slog.Warn("failed to mount /proc", "error", err)
	}

	if err := mount.Mount("sysfs", "/sys", "sysfs", ""); err != nil {
		slog.Warn("failed to mount /sys", "error", err)
	}

	if err := mount.Mount("devtmpfs", "/dev", "devtmpfs", "nosuid,strictatime"); err != nil {
		if err := mount.Mount("tmpfs", "/dev", "tmpfs", "nosuid,mode=755"); err != nil {
			slog.Warn("failed to mount /dev", "error", err)
		}
	}

	// tmpfs on /tmp is also the in-scope stand-in for a storage limit.
	if err := mount.Mount("tmpfs", "/tmp", "tmpfs", ""); err != nil {
		slog.Warn("failed to mount /tmp", "error", err)
	}
}
