// Package container implements the launch pipeline: the parent side
// that clones the init process into fresh PID/mount/UTS namespaces,
// wires up its cgroup and veth networking from the host, and the child
// side that finishes isolation (net namespace, pivot_root) and execs
// the entrypoint.
//
// Parent and child share no memory; a LaunchSpec crosses the re-exec
// boundary as JSON in an environment variable and each side works on
// its own copy.
package container

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// specEnv carries the encoded LaunchSpec into the re-exec'd init.
const specEnv = "FORGE_LAUNCH_SPEC"

// LaunchSpec is everything the container init needs: where the rootfs
// is and how to run the workload.
type LaunchSpec struct {
	RootfsPath        string   `json:"rootfs_path"`
	Entrypoint        []string `json:"entrypoint"`
	Env               []string `json:"env"`
	WorkingDir        string   `json:"working_dir"`
	ProvisionBinaries bool     `json:"provision_binaries"`
}

// Encode serializes the spec for the environment handoff.
func (s *LaunchSpec) Encode() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode launch spec: %w", err)
	}
	return string(data), nil
}

// DecodeLaunchSpec is the child-side counterpart of Encode.
func DecodeLaunchSpec(encoded string) (*LaunchSpec, error) {
	if encoded == "" {
		return nil, fmt.Errorf("missing %s in environment", specEnv)
	}
	var s LaunchSpec
	if err := json.Unmarshal([]byte(encoded), &s); err != nil {
		return nil, fmt.Errorf("decode launch spec: %w", err)
	}
	return &s, nil
}

// CgroupName derives the container's cgroup from its identity, the
// host PID of the container init.
func CgroupName(pid int) string {
	return "forge-" + strconv.Itoa(pid)
}
