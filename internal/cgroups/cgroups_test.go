package cgroups

import (
	"os"
	"path/filepath"
	"testing"
)

func fakeV2Root(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "cgroup.controllers"), []byte("cpu memory pids"), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestDetectsHierarchyVersion(t *testing.T) {
	if NewWithRoot(t.TempDir()).IsV2() {
		t.Error("IsV2() = true without cgroup.controllers")
	}
	if !NewWithRoot(fakeV2Root(t)).IsV2() {
		t.Error("IsV2() = false with cgroup.controllers present")
	}
}

func TestCreateV2WritesUnifiedLayout(t *testing.T) {
	root := fakeV2Root(t)
	manager := NewWithRoot(root)

	if err := manager.Create("forge-123"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if got := readFile(t, filepath.Join(root, "forge-123", "cpu.max")); got != "50000 100000" {
		t.Errorf("cpu.max = %q, want %q", got, "50000 100000")
	}
	if got := readFile(t, filepath.Join(root, "forge-123", "memory.max")); got != "536870912" {
		t.Errorf("memory.max = %q, want %q", got, "536870912")
	}
	if got := readFile(t, filepath.Join(root, "forge-123", "pids.max")); got != "100" {
		t.Errorf("pids.max = %q, want %q", got, "100")
	}
	if got := readFile(t, filepath.Join(root, "cgroup.subtree_control")); got != "+cpu +memory +pids" {
		t.Errorf("cgroup.subtree_control = %q", got)
	}
}

func TestCreateV1WritesPerControllerLayout(t *testing.T) {
	root := t.TempDir()
	manager := NewWithRoot(root)

	if err := manager.Create("forge-123"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	for path, want := range map[string]string{
		"cpu/forge-123/cpu.cfs_quota_us":         "50000",
		"cpu/forge-123/cpu.cfs_period_us":        "100000",
		"memory/forge-123/memory.limit_in_bytes": "536870912",
		"pids/forge-123/pids.max":                "100",
	} {
		if got := readFile(t, filepath.Join(root, path)); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestProcsPaths(t *testing.T) {
	v2 := NewWithRoot(fakeV2Root(t))
	if paths := v2.ProcsPaths("c"); len(paths) != 1 {
		t.Errorf("v2 ProcsPaths() returned %d paths, want 1", len(paths))
	}

	v1 := NewWithRoot(t.TempDir())
	if paths := v1.ProcsPaths("c"); len(paths) != 3 {
		t.Errorf("v1 ProcsPaths() returned %d paths, want 3", len(paths))
	}
}

func TestAttachWritesAllProcsFiles(t *testing.T) {
	root := t.TempDir()
	manager := NewWithRoot(root)
	if err := manager.Create("forge-9"); err != nil {
		t.Fatal(err)
	}

	if err := manager.Attach("forge-9", 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	for _, path := range manager.ProcsPaths("forge-9") {
		if got := readFile(t, path); got != "1" {
			t.Errorf("%s = %q, want %q", path, got, "1")
		}
	}
}

func TestRemoveDeletesEmptyGroups(t *testing.T) {
	root := fakeV2Root(t)
	manager := NewWithRoot(root)
	if err := manager.Create("forge-5"); err != nil {
		t.Fatal(err)
	}

	manager.Remove("forge-5")

	if _, err := os.Stat(filepath.Join(root, "forge-5")); !os.IsNotExist(err) {
		t.Error("cgroup directory still present after Remove()")
	}

	// Removing again must not panic or recreate anything.
	manager.Remove("forge-5")
}
