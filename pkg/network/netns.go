//go:build linux

package network

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/vishvananda/netns"
)

const netnsRunDir = "/var/run/netns"

// WaitForNetns blocks until the process's network namespace differs
// from the caller's, i.e. until the container child has executed its
// net unshare. This is the synchronization point that makes the
// parent's veth move target the container namespace and not the host's.
func WaitForNetns(ctx context.Context, pid int) error {
	self, err := os.Readlink("/proc/self/ns/net")
	if err != nil {
		return fmt.Errorf("%w: read own netns: %v", ErrNetnsNotReady, err)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		child, err := os.Readlink(fmt.Sprintf("/proc/%d/ns/net", pid))
		if err == nil && child != self {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d: %v", ErrNetnsNotReady, pid, ctx.Err())
		case <-ticker.C:
		}
	}
}

// AttachHandle binds the container's netns to a named handle under
// /var/run/netns so "ip netns exec cnt-<pid>" works from outside.
func AttachHandle(pid int) error {
	if err := os.MkdirAll(netnsRunDir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrNetnsAttachFailed, err)
	}

	link := filepath.Join(netnsRunDir, NetnsName(pid))
	_ = os.Remove(link)

	target := fmt.Sprintf("/proc/%d/ns/net", pid)
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("%w: %v", ErrNetnsAttachFailed, err)
	}
	return nil
}

// DetachHandle removes the named netns handle. Missing handles are not
// an error.
func DetachHandle(pid int) error {
	err := os.Remove(filepath.Join(netnsRunDir, NetnsName(pid)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// inNamespace runs fn with the calling goroutine switched into the
// network namespace of pid, restoring the original namespace before
// returning. The OS thread stays locked for the duration; on restore
// failure the thread is left locked and dies with the goroutine rather
// than rejoining the pool in the wrong namespace.
func inNamespace(pid int, fn func() error) error {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("%w: get current netns: %v", ErrVethConfigFailed, err)
	}
	defer origin.Close()

	target, err := netns.GetFromPid(pid)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("%w: get netns of pid %d: %v", ErrVethConfigFailed, pid, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("%w: enter netns of pid %d: %v", ErrVethConfigFailed, pid, err)
	}

	fnErr := fn()

	if err := netns.Set(origin); err != nil {
		return fmt.Errorf("%w: restore netns: %v", ErrVethConfigFailed, err)
	}
	runtime.UnlockOSThread()
	return fnErr
}
