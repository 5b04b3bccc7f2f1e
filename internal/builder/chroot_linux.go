//go:build linux

package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/forgebuild/forge/pkg/fsutil"
	"github.com/forgebuild/forge/pkg/image"
)

// chrootExecName is the re-exec entry that runs one RUN instruction
// chrooted into the build rootfs. Unlike the runtime, builds keep the
// host network and DNS: RUN executes trusted code (package managers)
// that needs mirrors, so chroot without namespaces is the right tool.
const chrootExecName = "forge-chroot-exec"

func init() {
	reexec.Register(chrootExecName, chrootExec)
}

// executeRun copies the host resolver config into the rootfs (DNS
// inside the chroot) and runs the command under /bin/sh -c there. A
// non-zero exit fails the build.
func (b *Builder) executeRun(ctx context.Context, command, rootfsDir string) error {
	resolvConf := filepath.Join(rootfsDir, "etc", "resolv.conf")
	if err := os.MkdirAll(filepath.Dir(resolvConf), 0o755); err != nil {
		return fmt.Errorf("%w: prepare /etc in rootfs: %v", ErrExec, err)
	}
	if err := fsutil.CopyFile("/etc/resolv.conf", resolvConf); err != nil {
		slog.Warn("could not copy resolv.conf into build rootfs", "error", err)
	}

	cmd := reexec.Command(chrootExecName, rootfsDir, command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: RUN %s: %v", ErrExec, command, err)
	}
	return nil
}

// chrootExec runs in the re-exec'd child: chroot into the rootfs and
// become the shell running the instruction.
func chrootExec() {
	if len(os.Args) != 3 {
		fmt.Fprintln(os.Stderr, "forge-chroot-exec: expected rootfs and command")
		os.Exit(1)
	}
	rootfsDir, command := os.Args[1], os.Args[2]

	if err := unix.Chroot(rootfsDir); err != nil {
		fmt.Fprintf(os.Stderr, "forge-chroot-exec: chroot %s: %v\n", rootfsDir, err)
		os.Exit(1)
	}
	if err := unix.Chdir("/"); err != nil {
		fmt.Fprintf(os.Stderr, "forge-chroot-exec: chdir /: %v\n", err)
		os.Exit(1)
	}

	env := []string{image.DefaultPath}
	if err := unix.Exec("/bin/sh", []string{"/bin/sh", "-c", command}, env); err != nil {
		fmt.Fprintf(os.Stderr, "forge-chroot-exec: exec /bin/sh: %v\n", err)
		os.Exit(127)
	}
}
