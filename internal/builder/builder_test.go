package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/forgebuild/forge/pkg/forgefile"
	"github.com/forgebuild/forge/pkg/fsutil"
	"github.com/forgebuild/forge/pkg/image"
)

// testFixture is a store preloaded with a tiny base image plus a build
// context directory.
type testFixture struct {
	store      *image.Store
	contextDir string
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()

	store, err := image.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	baseDir := t.TempDir()
	for rel, content := range map[string]string{
		"etc/os-release": "testbase",
		"bin/sh":         "fake shell",
	} {
		path := filepath.Join(baseDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	tarball := filepath.Join(store.Root(), "base", "testbase_1.tar.gz")
	if err := fsutil.PackDir(baseDir, tarball); err != nil {
		t.Fatalf("pack base image: %v", err)
	}

	contextDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(contextDir, "app.py"), []byte("print('v1')"), 0o644); err != nil {
		t.Fatal(err)
	}

	return &testFixture{store: store, contextDir: contextDir}
}

func (f *testFixture) parse(t *testing.T, text string) *forgefile.Forgefile {
	t.Helper()
	file, err := forgefile.ParseReader(strings.NewReader(text), f.contextDir)
	if err != nil {
		t.Fatalf("parse forgefile: %v", err)
	}
	return file
}

const basicForgefile = `FROM testbase:1
COPY app.py /app/app.py
WORKDIR /app
ENV GREETING=hi
ENTRYPOINT ["/app/app.py"]
`

func TestBuildProducesManifestAndConfig(t *testing.T) {
	fixture := newFixture(t)
	builder := New(fixture.store)

	result, err := builder.Build(context.Background(), fixture.parse(t, basicForgefile), "myapp", "v1")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(result.Manifest.Layers) != 2 {
		t.Fatalf("built %d layers, want 2 (FROM + COPY)", len(result.Manifest.Layers))
	}
	if result.BuiltLayers != 2 || result.CachedLayers != 0 {
		t.Errorf("built/cached = %d/%d, want 2/0", result.BuiltLayers, result.CachedLayers)
	}

	manifest, err := fixture.store.LoadManifest("myapp", "v1")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if !reflect.DeepEqual(manifest, result.Manifest) {
		t.Errorf("persisted manifest %+v != returned %+v", manifest, result.Manifest)
	}
	for _, dgst := range manifest.Layers {
		if !fixture.store.LayerExists(dgst) {
			t.Errorf("layer %s not in store", dgst)
		}
	}

	config, err := fixture.store.LoadConfig("myapp", "v1")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if config.WorkingDir != "/app" {
		t.Errorf("working_dir = %q, want /app", config.WorkingDir)
	}
	if !reflect.DeepEqual(config.Entrypoint, []string{"/app/app.py"}) {
		t.Errorf("entrypoint = %v", config.Entrypoint)
	}
	wantEnv := []string{image.DefaultPath, "GREETING=hi"}
	if !reflect.DeepEqual(config.Env, wantEnv) {
		t.Errorf("env = %v, want %v", config.Env, wantEnv)
	}
}

func TestRebuildIsFullyCached(t *testing.T) {
	fixture := newFixture(t)
	builder := New(fixture.store)

	first, err := builder.Build(context.Background(), fixture.parse(t, basicForgefile), "myapp", "v1")
	if err != nil {
		t.Fatalf("first Build() error = %v", err)
	}

	second, err := builder.Build(context.Background(), fixture.parse(t, basicForgefile), "myapp", "v2")
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}

	if !reflect.DeepEqual(first.Manifest.Layers, second.Manifest.Layers) {
		t.Errorf("identical builds produced different layers:\n%v\n%v",
			first.Manifest.Layers, second.Manifest.Layers)
	}
	if second.CachedLayers != 2 || second.BuiltLayers != 0 {
		t.Errorf("second build cached/built = %d/%d, want 2/0",
			second.CachedLayers, second.BuiltLayers)
	}
}

func TestContextChangeInvalidatesOnlyDownstreamLayers(t *testing.T) {
	fixture := newFixture(t)
	builder := New(fixture.store)

	first, err := builder.Build(context.Background(), fixture.parse(t, basicForgefile), "myapp", "v1")
	if err != nil {
		t.Fatalf("first Build() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(fixture.contextDir, "app.py"), []byte("print('v2')"), 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := builder.Build(context.Background(), fixture.parse(t, basicForgefile), "myapp", "v2")
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}

	if first.Manifest.Layers[0] != second.Manifest.Layers[0] {
		t.Errorf("FROM layer changed although the base did not: %s != %s",
			first.Manifest.Layers[0], second.Manifest.Layers[0])
	}
	if first.Manifest.Layers[1] == second.Manifest.Layers[1] {
		t.Error("COPY layer digest unchanged although the source changed")
	}
	if second.CachedLayers != 1 || second.BuiltLayers != 1 {
		t.Errorf("second build cached/built = %d/%d, want 1/1",
			second.CachedLayers, second.BuiltLayers)
	}
}

func TestFailedBuildWritesNoManifest(t *testing.T) {
	fixture := newFixture(t)
	builder := New(fixture.store)

	file := fixture.parse(t, "FROM testbase:1\nCOPY missing.txt /x\n")
	_, err := builder.Build(context.Background(), file, "broken", "v1")
	if !errors.Is(err, ErrExec) {
		t.Fatalf("Build() error = %v, want ErrExec", err)
	}

	if _, err := fixture.store.LoadManifest("broken", "v1"); !errors.Is(err, image.ErrManifestNotFound) {
		t.Errorf("manifest exists after failed build: %v", err)
	}
}

func TestBuildRequiresFromFirst(t *testing.T) {
	fixture := newFixture(t)
	builder := New(fixture.store)

	file := fixture.parse(t, "ENV A=1\nFROM testbase:1\n")
	if _, err := builder.Build(context.Background(), file, "x", "1"); !errors.Is(err, ErrNoFrom) {
		t.Errorf("Build() error = %v, want ErrNoFrom", err)
	}

	empty := fixture.parse(t, "# nothing\n")
	if _, err := builder.Build(context.Background(), empty, "x", "1"); !errors.Is(err, ErrNoFrom) {
		t.Errorf("Build() on empty file error = %v, want ErrNoFrom", err)
	}
}

func TestCopySourceMustStayInContext(t *testing.T) {
	fixture := newFixture(t)
	builder := New(fixture.store)

	file := fixture.parse(t, "FROM testbase:1\nCOPY ../../etc/passwd /x\n")
	if _, err := builder.Build(context.Background(), file, "x", "1"); !errors.Is(err, ErrContext) {
		t.Errorf("Build() error = %v, want ErrContext", err)
	}
}

func TestCacheKeyChainSensitivity(t *testing.T) {
	keyA := cacheKey("base", "FROM:alpine:3.19")
	keyB := cacheKey("base", "FROM:alpine:3.20")
	if keyA == keyB {
		t.Error("different instructions yield the same cache key")
	}
	if !strings.HasPrefix(keyA, "cache:") || len(keyA) != len("cache:")+64 {
		t.Errorf("cache key %q is not cache:<64 hex>", keyA)
	}

	// A divergence anywhere in the chain must propagate to every
	// following key, even for identical downstream instructions.
	downstreamA := cacheKey(keyA, "RUN:apk add python3")
	downstreamB := cacheKey(keyB, "RUN:apk add python3")
	if downstreamA == downstreamB {
		t.Error("chain divergence did not propagate to downstream keys")
	}

	// Config-only instructions extend the chain the same way.
	envA := cacheKey(keyA, forgefile.Env{Key: "A", Value: "1"}.CacheString())
	envB := cacheKey(keyA, forgefile.Env{Key: "A", Value: "2"}.CacheString())
	if envA == envB {
		t.Error("ENV value change did not change the chain")
	}
}
