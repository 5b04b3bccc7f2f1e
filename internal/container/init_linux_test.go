//go:build linux

package container

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveProgram(t *testing.T) {
	binDir := t.TempDir()
	executable := filepath.Join(binDir, "tool")
	if err := os.WriteFile(executable, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		program string
		env     []string
		want    string
	}{
		{name: "absolute path untouched", program: "/bin/echo", env: nil, want: "/bin/echo"},
		{name: "relative path untouched", program: "./run.sh", env: nil, want: "./run.sh"},
		{name: "found on configured PATH", program: "tool", env: []string{"PATH=" + binDir}, want: executable},
		{name: "bare name without match stays bare", program: "no-such-program-xyz", env: []string{"PATH=/nonexistent"}, want: "no-such-program-xyz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveProgram(tt.program, tt.env); got != tt.want {
				t.Errorf("resolveProgram(%q) = %q, want %q", tt.program, got, tt.want)
			}
		})
	}
}
