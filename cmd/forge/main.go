// Command forge is a Linux container runtime and image builder: it
// builds layered content-addressed images from Forgefiles and runs
// them (or a provisioned host shell) in isolated namespaces under
// cgroup limits with NAT-routed networking.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/moby/sys/reexec"
	"github.com/spf13/cobra"

	"github.com/forgebuild/forge/internal/builder"
	"github.com/forgebuild/forge/internal/container"
	"github.com/forgebuild/forge/internal/runner"
	"github.com/forgebuild/forge/pkg/forgefile"
	"github.com/forgebuild/forge/pkg/image"
)

// defaultRootfs is where the image-less default container is assembled.
const defaultRootfs = "/tmp/container-root"

// Exit codes: 1 for fatal setup failures, 2 for build failures, the
// entrypoint's own status otherwise.
const (
	exitSetupFailure = 1
	exitBuildFailure = 2
)

func main() {
	// Re-exec entries (container init, chroot helper) take over the
	// process before any CLI handling.
	if reexec.Init() {
		return
	}

	// stdout belongs to the container's entrypoint; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				slog.Error(exit.message, "error", exit.err)
			}
			os.Exit(exit.code)
		}
		slog.Error("command failed", "error", err)
		os.Exit(exitSetupFailure)
	}
}

// exitError carries a specific process exit code out of a RunE.
type exitError struct {
	code    int
	message string
	err     error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Forge - container runtime and image builder",
		Long: `Forge builds immutable, layered, content-addressed images from
Forgefiles and launches isolated processes inside them with private
PID, mount, UTS and network namespaces under CPU/memory/PID limits.

Run with no arguments to get a provisioned shell container without an
image.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return launchDefault(cmd.Context())
		},
	}

	rootCmd.AddCommand(newRunCmd(), newBuildCmd())
	return rootCmd
}

// launchDefault runs the image-less container: a skeleton rootfs
// provisioned with host binaries, entrypoint defaulting to a shell.
func launchDefault(ctx context.Context) error {
	spec := &container.LaunchSpec{
		RootfsPath:        defaultRootfs,
		ProvisionBinaries: true,
	}

	code, err := container.NewLauncher().Launch(ctx, spec)
	if err != nil {
		return &exitError{code: exitSetupFailure, message: "container setup failed", err: err}
	}
	if code != 0 {
		return &exitError{code: code, message: "container exited non-zero"}
	}
	return nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run NAME:TAG",
		Short: "Run a built image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return &exitError{code: exitSetupFailure, message: "open image store", err: err}
			}

			code, err := runner.New(store).Run(cmd.Context(), args[0])
			if err != nil {
				return &exitError{code: exitSetupFailure, message: "run failed", err: err}
			}
			if code != 0 {
				return &exitError{code: code, message: "container exited non-zero"}
			}
			return nil
		},
	}
}

func newBuildCmd() *cobra.Command {
	var forgefilePath string
	var target string

	buildCmd := &cobra.Command{
		Use:   "build -f FORGEFILE -t NAME:TAG",
		Short: "Build an image from a Forgefile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, tag, err := image.SplitRef(target)
			if err != nil {
				return &exitError{code: exitBuildFailure, message: "invalid build target", err: err}
			}

			file, err := forgefile.Parse(forgefilePath)
			if err != nil {
				return &exitError{code: exitBuildFailure, message: "parse forgefile", err: err}
			}

			store, err := openStore()
			if err != nil {
				return &exitError{code: exitBuildFailure, message: "open image store", err: err}
			}

			result, err := builder.New(store).Build(cmd.Context(), file, name, tag)
			if err != nil {
				return &exitError{code: exitBuildFailure, message: "build failed", err: err}
			}

			slog.Info("image built",
				"image", name+":"+tag,
				"layers", len(result.Manifest.Layers),
				"cached", result.CachedLayers,
				"duration", result.Duration.String())
			return nil
		},
	}

	buildCmd.Flags().StringVarP(&forgefilePath, "file", "f", "", "path to the Forgefile")
	buildCmd.Flags().StringVarP(&target, "tag", "t", "", "target image as NAME:TAG")
	_ = buildCmd.MarkFlagRequired("file")
	_ = buildCmd.MarkFlagRequired("tag")
	return buildCmd
}

func openStore() (*image.Store, error) {
	root, err := image.DefaultRoot()
	if err != nil {
		return nil, err
	}
	return image.Open(root)
}
