package image

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBaseTarballPreloaded(t *testing.T) {
	store := newTestStore(t)

	preloaded := filepath.Join(store.Root(), "base", "busybox_1.36.tar.gz")
	if err := os.WriteFile(preloaded, []byte("rootfs"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := store.BaseTarball(context.Background(), "busybox:1.36")
	if err != nil {
		t.Fatalf("BaseTarball() error = %v", err)
	}
	if got != preloaded {
		t.Errorf("BaseTarball() = %s, want %s", got, preloaded)
	}
}

func TestBaseTarballUnresolved(t *testing.T) {
	store := newTestStore(t)

	_, err := store.BaseTarball(context.Background(), "debian:bookworm")
	if !errors.Is(err, ErrBaseUnresolved) {
		t.Errorf("BaseTarball() error = %v, want ErrBaseUnresolved", err)
	}
}

func TestBaseTarballRejectsMalformedRef(t *testing.T) {
	store := newTestStore(t)

	_, err := store.BaseTarball(context.Background(), "UPPER CASE??")
	if !errors.Is(err, ErrBadReference) {
		t.Errorf("BaseTarball() error = %v, want ErrBadReference", err)
	}
}

func TestBaseTarballName(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{ref: "alpine:3.19", want: "alpine_3.19.tar.gz"},
		{ref: "library/alpine:3.19", want: "library_alpine_3.19.tar.gz"},
		{ref: "busybox", want: "busybox.tar.gz"},
	}
	for _, tt := range tests {
		if got := baseTarballName(tt.ref); got != tt.want {
			t.Errorf("baseTarballName(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
