// Package runner bridges the image store and the launch pipeline:
// given an image reference it materializes a rootfs from the stored
// layers and hands it to the launcher with the image's runtime config.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/forgebuild/forge/internal/container"
	"github.com/forgebuild/forge/pkg/fsutil"
	"github.com/forgebuild/forge/pkg/image"
)

type Runner struct {
	store    *image.Store
	launcher *container.Launcher
	logger   *slog.Logger
}

func New(store *image.Store) *Runner {
	return &Runner{
		store:    store,
		launcher: container.NewLauncher(),
		logger:   slog.Default(),
	}
}

// Run extracts name:tag into a fresh rootfs and runs its entrypoint to
// completion, returning the container's exit code. The rootfs is
// removed by the launcher's teardown on every exit path.
func (r *Runner) Run(ctx context.Context, ref string) (int, error) {
	name, tag, err := image.SplitRef(ref)
	if err != nil {
		return 1, err
	}

	manifest, err := r.store.LoadManifest(name, tag)
	if err != nil {
		return 1, err
	}
	config, err := r.store.LoadConfig(name, tag)
	if err != nil {
		return 1, err
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return 1, fmt.Errorf("generate run id: %w", err)
	}
	runDir := filepath.Join(os.TempDir(), "forge-run-"+runID.String())
	rootfsDir := filepath.Join(runDir, "rootfs")
	defer os.RemoveAll(runDir)

	r.logger.Info("materializing image", "image", ref, "layers", len(manifest.Layers), "rootfs", rootfsDir)
	for i, dgst := range manifest.Layers {
		if !r.store.LayerExists(dgst) {
			return 1, fmt.Errorf("%w: %s (layer %d of %s)", image.ErrLayerMissing, dgst, i, ref)
		}
		if err := fsutil.ExtractTarball(r.store.LayerPath(dgst), rootfsDir); err != nil {
			return 1, fmt.Errorf("extract layer %s: %w", dgst, err)
		}
	}

	spec := &container.LaunchSpec{
		RootfsPath: rootfsDir,
		Entrypoint: config.Entrypoint,
		Env:        config.Env,
		WorkingDir: config.WorkingDir,
	}
	return r.launcher.Launch(ctx, spec)
}
