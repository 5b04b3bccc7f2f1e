// Package cgroups applies the fixed resource policy to a container's
// process subtree: half a core of CPU, 512 MiB of memory, 100 PIDs.
// Both cgroup v1 (per-controller hierarchies) and v2 (unified) are
// supported; detection is by the presence of cgroup.controllers at the
// cgroupfs root.
package cgroups

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultRoot is where the kernel mounts cgroupfs.
const DefaultRoot = "/sys/fs/cgroup"

// Fixed limit policy.
const (
	CPUQuotaUs       = 50000
	CPUPeriodUs      = 100000
	MemoryLimitBytes = 536870912
	PidsMax          = 100
)

// controllers used on v1; on v2 the same names go into
// cgroup.subtree_control.
var controllers = []string{"cpu", "memory", "pids"}

var ErrCgroupSetup = errors.New("cgroup setup failed")

// Manager creates, populates and removes one container's cgroup. The
// root is a field so tests can run against a scratch directory laid out
// like either cgroupfs flavor.
type Manager struct {
	root   string
	logger *slog.Logger
}

func New() *Manager {
	return NewWithRoot(DefaultRoot)
}

func NewWithRoot(root string) *Manager {
	return &Manager{root: root, logger: slog.Default()}
}

// IsV2 reports whether the unified hierarchy is in use.
func (m *Manager) IsV2() bool {
	_, err := os.Stat(filepath.Join(m.root, "cgroup.controllers"))
	return err == nil
}

// Create makes the cgroup directory (or per-controller directories on
// v1) and applies the limit policy.
func (m *Manager) Create(name string) error {
	if m.IsV2() {
		path := filepath.Join(m.root, name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrCgroupSetup, path, err)
		}
		m.enableControllersV2()
		m.applyLimitsV2(name)
		return nil
	}

	for _, controller := range controllers {
		path := filepath.Join(m.root, controller, name)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %v", ErrCgroupSetup, path, err)
		}
	}
	m.applyLimitsV1(name)
	return nil
}

// enableControllersV2 delegates cpu/memory/pids to child groups. Fails
// on hosts where a controller is unavailable; the limit writes below
// surface that per-file.
func (m *Manager) enableControllersV2() {
	subtree := filepath.Join(m.root, "cgroup.subtree_control")
	if err := os.WriteFile(subtree, []byte("+cpu +memory +pids"), 0o644); err != nil {
		m.logger.Warn("failed to enable cgroup v2 controllers", "error", err)
	}
}

func (m *Manager) applyLimitsV2(name string) {
	m.writeFile(filepath.Join(name, "cpu.max"), fmt.Sprintf("%d %d", CPUQuotaUs, CPUPeriodUs))
	m.writeFile(filepath.Join(name, "memory.max"), strconv.Itoa(MemoryLimitBytes))
	m.writeFile(filepath.Join(name, "pids.max"), strconv.Itoa(PidsMax))
}

func (m *Manager) applyLimitsV1(name string) {
	m.writeFile(filepath.Join("cpu", name, "cpu.cfs_quota_us"), strconv.Itoa(CPUQuotaUs))
	m.writeFile(filepath.Join("cpu", name, "cpu.cfs_period_us"), strconv.Itoa(CPUPeriodUs))
	m.writeFile(filepath.Join("memory", name, "memory.limit_in_bytes"), strconv.Itoa(MemoryLimitBytes))
	m.writeFile(filepath.Join("pids", name, "pids.max"), strconv.Itoa(PidsMax))
}

// ProcsPaths returns every cgroup.procs file a joining process must
// write to: one on v2, one per controller on v1. The first path doubles
// as the existence probe the child polls before attaching.
func (m *Manager) ProcsPaths(name string) []string {
	if m.IsV2() {
		return []string{filepath.Join(m.root, name, "cgroup.procs")}
	}

	paths := make([]string, 0, len(controllers))
	for _, controller := range controllers {
		paths = append(paths, filepath.Join(m.root, controller, name, "cgroup.procs"))
	}
	return paths
}

// Attach moves pid into the cgroup. Called from inside the container
// with the PID as seen in the caller's pid namespace (PID 1 for the
// container init); the kernel resolves it against the writer's
// namespace.
func (m *Manager) Attach(name string, pid int) error {
	value := []byte(strconv.Itoa(pid))
	for _, path := range m.ProcsPaths(name) {
		if err := os.WriteFile(path, value, 0o644); err != nil {
			return fmt.Errorf("%w: join %s: %v", ErrCgroupSetup, path, err)
		}
	}
	return nil
}

// Remove deletes the cgroup directories. The container must have
// exited (waitpid returned), so the groups are empty. Individual
// failures are logged and do not stop the remaining removals.
func (m *Manager) Remove(name string) {
	var paths []string
	if m.IsV2() {
		paths = []string{filepath.Join(m.root, name)}
	} else {
		for _, controller := range controllers {
			paths = append(paths, filepath.Join(m.root, controller, name))
		}
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove cgroup", "path", path, "error", err)
		}
	}
}

func (m *Manager) writeFile(rel, content string) {
	path := filepath.Join(m.root, rel)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		m.logger.Warn("failed to write cgroup limit", "path", path, "error", err)
	}
}
