// Package builder executes a parsed Forgefile against a scratch rootfs
// and persists the result as a layered, content-addressed image.
//
// Every filesystem-mutating instruction (FROM, COPY, RUN) snapshots the
// whole rootfs into a gzipped tarball layer. Reuse is driven by a
// cumulative cache-key chain: each instruction's key is the hash of the
// previous key plus the instruction itself (plus the source content
// hash for COPY), so any change invalidates everything downstream while
// the unchanged prefix is replayed from the store.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/forgebuild/forge/pkg/forgefile"
	"github.com/forgebuild/forge/pkg/fsutil"
	"github.com/forgebuild/forge/pkg/image"
)

var (
	ErrExec    = errors.New("build instruction failed")
	ErrNoFrom  = errors.New("first instruction must be FROM")
	ErrContext = errors.New("COPY source escapes the build context")
)

// Result summarizes a finished build.
type Result struct {
	Manifest     *image.Manifest
	Config       *image.Config
	CachedLayers int
	BuiltLayers  int
	Duration     time.Duration
}

type Builder struct {
	store  *image.Store
	logger *slog.Logger
}

func New(store *image.Store) *Builder {
	return &Builder{store: store, logger: slog.Default()}
}

// Build runs the Forgefile and persists manifest and config under
// name:tag. Nothing is written for the target tag if any instruction
// fails; cache entries for completed instructions are kept.
func (b *Builder) Build(ctx context.Context, file *forgefile.Forgefile, name, tag string) (*Result, error) {
	startTime := time.Now()

	if len(file.Instructions) == 0 {
		return nil, ErrNoFrom
	}
	if _, ok := file.Instructions[0].(forgefile.From); !ok {
		return nil, ErrNoFrom
	}

	buildID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate build id: %w", err)
	}
	workDir := filepath.Join(os.TempDir(), "forge-build-"+buildID.String())
	rootfsDir := filepath.Join(workDir, "rootfs")
	if err := os.MkdirAll(rootfsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create build directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			b.logger.Warn("failed to clean build directory", "path", workDir, "error", err)
		}
	}()

	logger := b.logger.With("image", name+":"+tag)
	logger.Info("starting build", "instructions", len(file.Instructions))

	config := image.NewConfig()
	result := &Result{Config: config}
	var layers []digest.Digest

	prevKey := "base"
	cacheValid := true

	for _, instruction := range file.Instructions {
		switch instr := instruction.(type) {
		case forgefile.Workdir:
			config.WorkingDir = instr.Path
			prevKey = cacheKey(prevKey, instr.CacheString())

		case forgefile.Env:
			config.Env = append(config.Env, instr.Key+"="+instr.Value)
			prevKey = cacheKey(prevKey, instr.CacheString())

		case forgefile.Entrypoint:
			config.Entrypoint = instr.Args
			prevKey = cacheKey(prevKey, instr.CacheString())

		default:
			instrHash, err := b.instructionHash(file, instruction)
			if err != nil {
				return nil, err
			}
			key := cacheKey(prevKey, instrHash)

			if cacheValid {
				if dgst, ok := b.store.CachedLayer(key); ok && b.store.LayerExists(dgst) {
					logger.Info("cache hit", "instruction", instruction.CacheString())
					if err := fsutil.ExtractTarball(b.store.LayerPath(dgst), rootfsDir); err != nil {
						return nil, fmt.Errorf("replay cached layer %s: %w", dgst, err)
					}
					layers = append(layers, dgst)
					result.CachedLayers++
					prevKey = key
					continue
				}
			}
			cacheValid = false

			logger.Info("executing", "instruction", instruction.CacheString())
			if err := b.execute(ctx, file, instruction, rootfsDir); err != nil {
				return nil, err
			}

			dgst, err := b.snapshot(workDir, rootfsDir)
			if err != nil {
				return nil, err
			}
			if err := b.store.CacheLayer(key, dgst); err != nil {
				return nil, err
			}
			layers = append(layers, dgst)
			result.BuiltLayers++
			prevKey = key
		}
	}

	manifest := &image.Manifest{Name: name, Tag: tag, Layers: layers}
	if err := b.store.SaveManifest(manifest); err != nil {
		return nil, err
	}
	if err := b.store.SaveConfig(name, tag, config); err != nil {
		return nil, err
	}

	result.Manifest = manifest
	result.Duration = time.Since(startTime)
	logger.Info("build complete",
		"layers", len(layers),
		"cached", result.CachedLayers,
		"duration", result.Duration)
	return result, nil
}

// instructionHash is the instruction's contribution to the cache chain.
// COPY folds in the content hash of its source so edits to the context
// invalidate the layer even though the instruction text is unchanged.
func (b *Builder) instructionHash(file *forgefile.Forgefile, instruction forgefile.Instruction) (string, error) {
	copyInstr, ok := instruction.(forgefile.Copy)
	if !ok {
		return instruction.CacheString(), nil
	}

	src, err := resolveContextPath(file.ContextDir, copyInstr.Src)
	if err != nil {
		return "", err
	}
	contentHash, err := fsutil.HashPath(src)
	if err != nil {
		return "", fmt.Errorf("%w: hash COPY source %s: %v", ErrExec, copyInstr.Src, err)
	}
	return copyInstr.CacheString() + ":" + contentHash, nil
}

func (b *Builder) execute(ctx context.Context, file *forgefile.Forgefile, instruction forgefile.Instruction, rootfsDir string) error {
	switch instr := instruction.(type) {
	case forgefile.From:
		tarball, err := b.store.BaseTarball(ctx, instr.Image)
		if err != nil {
			return err
		}
		if err := fsutil.ExtractTarball(tarball, rootfsDir); err != nil {
			return fmt.Errorf("%w: extract base image %s: %v", ErrExec, instr.Image, err)
		}
		return nil

	case forgefile.Copy:
		return b.executeCopy(file, instr, rootfsDir)

	case forgefile.Run:
		return b.executeRun(ctx, instr.Command, rootfsDir)

	default:
		return fmt.Errorf("%w: unhandled instruction %T", ErrExec, instruction)
	}
}

func (b *Builder) executeCopy(file *forgefile.Forgefile, instr forgefile.Copy, rootfsDir string) error {
	src, err := resolveContextPath(file.ContextDir, instr.Src)
	if err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: COPY source %s: %v", ErrExec, instr.Src, err)
	}

	dest := filepath.Join(rootfsDir, strings.TrimPrefix(instr.Dest, "/"))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("%w: create COPY destination parent: %v", ErrExec, err)
	}

	if info.IsDir() {
		err = fsutil.CopyDir(src, dest)
	} else {
		err = fsutil.CopyFile(src, dest)
	}
	if err != nil {
		return fmt.Errorf("%w: COPY %s -> %s: %v", ErrExec, instr.Src, instr.Dest, err)
	}
	return nil
}

// snapshot packs the whole rootfs into a layer tarball and ingests it
// into the store.
func (b *Builder) snapshot(workDir, rootfsDir string) (digest.Digest, error) {
	layerID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate layer id: %w", err)
	}

	tarball := filepath.Join(workDir, "layer-"+layerID.String()+".tar.gz")
	if err := fsutil.PackDir(rootfsDir, tarball); err != nil {
		return "", fmt.Errorf("snapshot rootfs: %w", err)
	}
	defer os.Remove(tarball)

	return b.store.SaveLayer(tarball)
}

// resolveContextPath joins a COPY source with the context directory and
// refuses sources that resolve outside it.
func resolveContextPath(contextDir, src string) (string, error) {
	resolved := filepath.Join(contextDir, src)
	clean := filepath.Clean(contextDir)
	if resolved != clean && !strings.HasPrefix(resolved, clean+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrContext, src)
	}
	return resolved, nil
}

// cacheKey chains the previous key with the instruction hash.
func cacheKey(prevKey, instrHash string) string {
	digester := digest.Canonical.Digester()
	digester.Hash().Write([]byte(prevKey))
	digester.Hash().Write([]byte(instrHash))
	return "cache:" + digester.Digest().Encoded()
}
