//go:build linux

package container

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/forgebuild/forge/internal/cgroups"
	"github.com/forgebuild/forge/internal/rootfs"
)

// initName is the re-exec entry the parent clones into the new
// namespaces.
const initName = "forge-init"

// cgroupWaitTimeout bounds how long the init waits for the parent to
// create its cgroup.
const cgroupWaitTimeout = 5 * time.Second

func init() {
	reexec.Register(initName, initContainer)
}

// initContainer is PID 1 inside the container. It completes isolation
// and becomes the entrypoint; it never returns.
//
// Ordering is load-bearing: the net unshare comes first (the parent is
// polling for it), the cgroup join must precede the pivot (cgroupfs is
// only reachable through the inherited mount table), and the pivot must
// precede the exec.
func initContainer() {
	// Namespace membership is per-thread; the unshare below and the
	// final exec must happen on the same thread, and it must be the
	// thread-group leader so /proc/<pid>/ns/net reflects the unshare
	// for the polling parent.
	runtime.LockOSThread()

	logger := slog.Default()

	spec, err := DecodeLaunchSpec(os.Getenv(specEnv))
	if err != nil {
		fatal(logger, "read launch spec", err)
	}

	// The inherited /proc still belongs to the host PID namespace, so
	// /proc/self reveals this process's host PID, the container identity
	// every derived name hangs off.
	hostPID, err := hostPID()
	if err != nil {
		fatal(logger, "determine host PID", err)
	}

	if err := unix.Unshare(unix.CLONE_NEWNET); err != nil {
		fatal(logger, "unshare net namespace", err)
	}

	joinCgroup(logger, CgroupName(hostPID))

	if err := unix.Sethostname([]byte(CgroupName(hostPID))); err != nil {
		logger.Warn("failed to set hostname", "error", err)
	}

	if err := rootfs.CreateSkeleton(spec.RootfsPath); err != nil {
		fatal(logger, "create rootfs skeleton", err)
	}
	if spec.ProvisionBinaries {
		rootfs.ProvisionBinaries(spec.RootfsPath)
	}

	if err := rootfs.Enter(spec.RootfsPath); err != nil {
		fatal(logger, "enter rootfs", err)
	}

	execEntrypoint(logger, spec)
}

func hostPID() (int, error) {
	target, err := os.Readlink("/proc/self")
	if err != nil {
		return 0, fmt.Errorf("readlink /proc/self: %w", err)
	}
	pid, err := strconv.Atoi(target)
	if err != nil {
		return 0, fmt.Errorf("unexpected /proc/self target %q: %w", target, err)
	}
	return pid, nil
}

// joinCgroup waits for the parent to create the cgroup, then attaches.
// A missing cgroup after the deadline degrades to an unlimited
// container rather than killing the launch.
func joinCgroup(logger *slog.Logger, name string) {
	manager := cgroups.New()
	procsPaths := manager.ProcsPaths(name)

	deadline := time.Now().Add(cgroupWaitTimeout)
	for {
		if _, err := os.Stat(procsPaths[0]); err == nil {
			break
		}
		if time.Now().After(deadline) {
			logger.Warn("cgroup never appeared, running without limits", "cgroup", name)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	// PIDs written to cgroup.procs resolve in the writer's namespace;
	// in here this process is PID 1.
	if err := manager.Attach(name, os.Getpid()); err != nil {
		logger.Warn("failed to join cgroup", "cgroup", name, "error", err)
	}
}

// execEntrypoint applies the runtime config and replaces this process
// with the workload. Exit 127 mirrors the shell convention for
// command-not-found.
func execEntrypoint(logger *slog.Logger, spec *LaunchSpec) {
	env := spec.Env
	if len(env) == 0 {
		env = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	}

	if spec.WorkingDir != "" {
		if err := unix.Chdir(spec.WorkingDir); err != nil {
			logger.Warn("failed to enter working directory", "dir", spec.WorkingDir, "error", err)
		}
	}

	argv := spec.Entrypoint
	if len(argv) == 0 {
		argv = []string{defaultShell()}
	}

	program := resolveProgram(argv[0], env)
	if err := unix.Exec(program, argv, env); err != nil {
		logger.Error("failed to exec entrypoint", "program", program, "error", err)
		os.Exit(127)
	}
}

func defaultShell() string {
	if _, err := os.Stat("/bin/bash"); err == nil {
		return "/bin/bash"
	}
	return "/bin/sh"
}

// resolveProgram searches PATH from the container environment for a
// bare program name. Paths with a slash are used as-is.
func resolveProgram(program string, env []string) string {
	if strings.Contains(program, "/") {
		return program
	}

	pathValue := "/usr/local/bin:/usr/bin:/bin"
	for _, entry := range env {
		if value, found := strings.CutPrefix(entry, "PATH="); found {
			pathValue = value
		}
	}

	for _, dir := range strings.Split(pathValue, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, program)
		if info, err := os.Stat(candidate); err == nil && info.Mode()&0o111 != 0 {
			return candidate
		}
	}
	return program
}

func fatal(logger *slog.Logger, step string, err error) {
	logger.Error("container init failed", "step", step, "error", err)
	os.Exit(1)
}
