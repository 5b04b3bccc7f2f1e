package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashPathFileSensitivity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.py")

	if err := os.WriteFile(path, []byte("print('v1')"), 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := HashPath(path)
	if err != nil {
		t.Fatalf("HashPath() error = %v", err)
	}

	again, err := HashPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Errorf("hash not stable: %s != %s", first, again)
	}

	if err := os.WriteFile(path, []byte("print('v2')"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, err := HashPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Error("changing file content did not change the hash")
	}
}

func TestHashPathDirectory(t *testing.T) {
	dirA := t.TempDir()
	writeTree(t, dirA, map[string]string{"a.txt": "one", "sub/b.txt": "two"})

	dirB := t.TempDir()
	writeTree(t, dirB, map[string]string{"a.txt": "one", "sub/b.txt": "two"})

	hashA, err := HashPath(dirA)
	if err != nil {
		t.Fatal(err)
	}
	hashB, err := HashPath(dirB)
	if err != nil {
		t.Fatal(err)
	}
	if hashA != hashB {
		t.Errorf("identical trees hash differently: %s != %s", hashA, hashB)
	}

	// A rename must change the hash even though the bytes are identical.
	if err := os.Rename(filepath.Join(dirB, "a.txt"), filepath.Join(dirB, "renamed.txt")); err != nil {
		t.Fatal(err)
	}
	hashRenamed, err := HashPath(dirB)
	if err != nil {
		t.Fatal(err)
	}
	if hashRenamed == hashA {
		t.Error("renaming a file did not change the directory hash")
	}
}

func TestDigestFileMatchesKnownVector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	dgst, err := DigestFile(path)
	if err != nil {
		t.Fatalf("DigestFile() error = %v", err)
	}
	// sha256 of the empty string
	want := "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if dgst.String() != want {
		t.Errorf("DigestFile() = %s, want %s", dgst, want)
	}
}
