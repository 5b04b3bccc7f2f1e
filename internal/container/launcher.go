//go:build linux

package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/forgebuild/forge/internal/cgroups"
	"github.com/forgebuild/forge/pkg/network"
)

var ErrSetup = errors.New("container setup failed")

// netnsWaitTimeout bounds how long the parent waits for the child's
// net unshare before giving up and leaving the container
// network-isolated.
const netnsWaitTimeout = 5 * time.Second

// Launcher drives a single container from the host side. One container
// per invocation; the launcher assumes exclusive control of the
// derived cgroup, veth and netns names while the container lives.
type Launcher struct {
	cgroups *cgroups.Manager
	logger  *slog.Logger
}

func NewLauncher() *Launcher {
	return &Launcher{
		cgroups: cgroups.New(),
		logger:  slog.Default(),
	}
}

// Launch runs the container described by spec to completion and
// returns the entrypoint's exit code. Host-visible resources (cgroup,
// veth pair, netns handle, NAT rules, rootfs) are released on every
// exit path, including setup failures.
func (l *Launcher) Launch(ctx context.Context, spec *LaunchSpec) (exitCode int, err error) {
	encoded, err := spec.Encode()
	if err != nil {
		return 1, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	cmd := reexec.Command(initName)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), specEnv+"="+encoded)
	// PID, mount and UTS namespaces are established atomically with the
	// fork. Net is deliberately deferred to the child (see initContainer)
	// so the parent can observe the PID before the namespace exists.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWUTS,
	}

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("%w: start container init: %v", ErrSetup, err)
	}

	pid := cmd.Process.Pid
	name := CgroupName(pid)
	logger := l.logger.With("pid", pid, "container", name)
	logger.Info("container init started")

	waited := false
	defer func() {
		if !waited {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		l.cleanup(logger, pid, name, spec.RootfsPath)
	}()

	// The cgroup must exist in host-visible cgroupfs before the child
	// attaches; the child polls for it (create-before-attach).
	if err := l.cgroups.Create(name); err != nil {
		return 1, fmt.Errorf("%w: %v", ErrSetup, err)
	}

	l.setupNetworking(ctx, logger, pid)

	// Forward interrupts as SIGTERM so the container init, isolated in
	// its own PID namespace, still sees cancellation.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		for range signals {
			_ = cmd.Process.Signal(unix.SIGTERM)
		}
	}()

	waitErr := cmd.Wait()
	waited = true

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		logger.Info("container exited", "code", 0)
		return 0, nil
	case errors.As(waitErr, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by signal; there is no entrypoint status to report.
			logger.Info("container terminated by signal")
			return 1, nil
		}
		logger.Info("container exited", "code", code)
		return code, nil
	default:
		return 1, fmt.Errorf("%w: wait for container: %v", ErrSetup, waitErr)
	}
}

// setupNetworking brings up veth + NAT for the child. Any failure
// leaves the container running without external connectivity; that is
// a degradation, not a launch failure.
func (l *Launcher) setupNetworking(ctx context.Context, logger *slog.Logger, pid int) {
	if err := network.EnableIPForwarding(); err != nil {
		logger.Warn("could not enable IP forwarding", "error", err)
	}

	defaultIface, err := network.DefaultInterface()
	if err != nil {
		logger.Warn("container will be network-isolated", "error", err)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, netnsWaitTimeout)
	defer cancel()
	if err := network.WaitForNetns(waitCtx, pid); err != nil {
		logger.Warn("container will be network-isolated", "error", err)
		return
	}

	if err := network.SetupVethPair(pid, defaultIface); err != nil {
		logger.Warn("container will be network-isolated", "error", err)
		return
	}

	logger.Info("container networking up", "veth", network.HostVeth(pid), "iface", defaultIface)
}

// cleanup releases everything the launch created. Each step is
// independently best-effort; a failed veth delete must not keep the
// cgroup or rootfs alive.
func (l *Launcher) cleanup(logger *slog.Logger, pid int, name, rootfsPath string) {
	defaultIface, err := network.DefaultInterface()
	if err != nil {
		defaultIface = ""
	}
	if err := network.TeardownVethPair(pid, defaultIface); err != nil {
		logger.Warn("network teardown incomplete", "error", err)
	}

	l.cgroups.Remove(name)

	if rootfsPath != "" {
		if err := os.RemoveAll(rootfsPath); err != nil {
			logger.Warn("failed to remove rootfs", "path", rootfsPath, "error", err)
		}
	}

	logger.Info("container cleaned up")
}
