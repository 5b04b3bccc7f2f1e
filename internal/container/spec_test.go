package container

import (
	"reflect"
	"testing"
)

func TestLaunchSpecRoundTrip(t *testing.T) {
	spec := &LaunchSpec{
		RootfsPath:        "/tmp/forge-run-x/rootfs",
		Entrypoint:        []string{"python3", "app.py"},
		Env:               []string{"PATH=/usr/bin:/bin", "PYTHONUNBUFFERED=1"},
		WorkingDir:        "/app",
		ProvisionBinaries: false,
	}

	encoded, err := spec.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := DecodeLaunchSpec(encoded)
	if err != nil {
		t.Fatalf("DecodeLaunchSpec() error = %v", err)
	}
	if !reflect.DeepEqual(decoded, spec) {
		t.Errorf("round trip = %+v, want %+v", decoded, spec)
	}
}

func TestDecodeLaunchSpecRejectsEmptyAndGarbage(t *testing.T) {
	if _, err := DecodeLaunchSpec(""); err == nil {
		t.Error("DecodeLaunchSpec(\"\") succeeded")
	}
	if _, err := DecodeLaunchSpec("{not json"); err == nil {
		t.Error("DecodeLaunchSpec() accepted malformed JSON")
	}
}

func TestCgroupName(t *testing.T) {
	if got := CgroupName(4712); got != "forge-4712" {
		t.Errorf("CgroupName(4712) = %q, want %q", got, "forge-4712")
	}
}
