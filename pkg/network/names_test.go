package network

import "testing"

func TestNameDerivation(t *testing.T) {
	tests := []struct {
		pid           int
		wantHost      string
		wantContainer string
		wantNetns     string
	}{
		{pid: 1, wantHost: "veth-1", wantContainer: "veth-c-1", wantNetns: "cnt-1"},
		{pid: 42817, wantHost: "veth-42817", wantContainer: "veth-c-42817", wantNetns: "cnt-42817"},
	}

	for _, tt := range tests {
		if got := HostVeth(tt.pid); got != tt.wantHost {
			t.Errorf("HostVeth(%d) = %q, want %q", tt.pid, got, tt.wantHost)
		}
		if got := ContainerVeth(tt.pid); got != tt.wantContainer {
			t.Errorf("ContainerVeth(%d) = %q, want %q", tt.pid, got, tt.wantContainer)
		}
		if got := NetnsName(tt.pid); got != tt.wantNetns {
			t.Errorf("NetnsName(%d) = %q, want %q", tt.pid, got, tt.wantNetns)
		}
	}
}

func TestVethNamesFitInterfaceNameLimit(t *testing.T) {
	// Linux IFNAMSIZ allows 15 visible characters. PIDs can reach
	// 4194304 (7 digits) with the largest pid_max.
	const maxPid = 4194304
	if name := ContainerVeth(maxPid); len(name) > 15 {
		t.Errorf("ContainerVeth(%d) = %q is %d chars, exceeds IFNAMSIZ", maxPid, name, len(name))
	}
	if name := HostVeth(maxPid); len(name) > 15 {
		t.Errorf("HostVeth(%d) = %q is %d chars, exceeds IFNAMSIZ", maxPid, name, len(name))
	}
}
