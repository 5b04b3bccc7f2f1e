package rootfs

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/forgebuild/forge/pkg/fsutil"
)

// essentialBinaries is what an image-less container gets copied in from
// the host. Image launches skip provisioning entirely, layers bring
// their own binaries.
var essentialBinaries = []string{
	// Shell and basics
	"/bin/bash",
	"/bin/sh",

	// File operations
	"/bin/ls",
	"/bin/cat",
	"/bin/touch",
	"/bin/cp",
	"/bin/mv",
	"/bin/rm",
	"/bin/mkdir",
	"/bin/rmdir",

	// Editors
	"/bin/nano",
	"/usr/bin/vi",

	// System utilities
	"/bin/ps",
	"/bin/pwd",
	"/usr/bin/top",
	"/bin/kill",
	"/usr/bin/dd",

	// Text processing
	"/bin/grep",
	"/usr/bin/find",
	"/usr/bin/wc",
	"/usr/bin/head",
	"/usr/bin/tail",

	// Network
	"/bin/ip",
	"/sbin/ip",
	"/sbin/iptables",
	"/bin/ping",
	"/usr/bin/curl",
}

// ProvisionBinaries copies the essential host binaries into rootfs/bin
// together with every shared object ldd reports for them, preserving
// the host library paths so the dynamic linker finds them after the
// pivot. Binaries missing on the host are skipped silently; a failed
// copy is logged as a warning.
func ProvisionBinaries(root string) {
	for _, binary := range essentialBinaries {
		if _, err := os.Stat(binary); err != nil {
			continue
		}

		dest := filepath.Join(root, "bin", filepath.Base(binary))
		if err := fsutil.CopyFile(binary, dest); err != nil {
			slog.Warn("failed to copy binary", "binary", binary, "error", err)
			continue
		}

		copySharedLibraries(root, binary)
	}

	copyTerminfo(root)
}

func copySharedLibraries(root, binary string) {
	output, err := exec.Command("ldd", binary).Output()
	if err != nil {
		// Static binaries make ldd exit non-zero; nothing to copy then.
		slog.Debug("ldd produced no libraries", "binary", binary, "error", err)
		return
	}

	for _, lib := range parseLddOutput(string(output)) {
		if err := fsutil.CopyFile(lib, filepath.Join(root, lib)); err != nil {
			slog.Warn("failed to copy shared library", "library", lib, "error", err)
		}
	}
}

// parseLddOutput extracts absolute library paths from ldd output.
// Two line shapes matter:
//
//	libc.so.6 => /lib/x86_64-linux-gnu/libc.so.6 (0x...)
//	/lib64/ld-linux-x86-64.so.2 (0x...)
func parseLddOutput(output string) []string {
	var libs []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.Contains(line, "=>") {
			fields := strings.Fields(line)
			if len(fields) >= 3 && strings.HasPrefix(fields[2], "/") {
				libs = append(libs, fields[2])
			}
			continue
		}

		if strings.HasPrefix(line, "/") {
			if path, _, found := strings.Cut(line, " "); found || path != "" {
				libs = append(libs, path)
			}
		}
	}
	return libs
}

// copyTerminfo brings the terminfo database along so full-screen
// programs work inside the container.
func copyTerminfo(root string) {
	for _, dir := range []string{"/usr/share/terminfo", "/lib/terminfo"} {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fsutil.CopyDir(dir, filepath.Join(root, dir)); err != nil {
			slog.Warn("failed to copy terminfo", "source", dir, "error", err)
		}
	}
}
