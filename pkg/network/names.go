// Package network wires a container's network namespace to the outside
// world: a per-container veth pair, a fixed 10.0.0.0/24 address plan,
// a default route via the host end, and MASQUERADE NAT out of the
// host's primary interface.
//
// All link, address and route operations go through netlink; only the
// NAT rules go through iptables (via go-iptables). The container end is
// configured by entering the container's network namespace on a locked
// OS thread, the in-process equivalent of "ip netns exec".
package network

import "fmt"

// Address plan. Every container sees the same two addresses; there is
// exactly one container per invocation, so no allocation is needed.
const (
	Subnet        = "10.0.0.0/24"
	HostAddr      = "10.0.0.1/24"
	ContainerAddr = "10.0.0.2/24"
	GatewayIP     = "10.0.0.1"
)

// HostVeth is the host-side device name for a container PID.
// Linux caps interface names at 15 characters; PIDs max out at 7
// digits, so both veth names always fit.
func HostVeth(pid int) string {
	return fmt.Sprintf("veth-%d", pid)
}

// ContainerVeth is the container-side device name for a container PID.
func ContainerVeth(pid int) string {
	return fmt.Sprintf("veth-c-%d", pid)
}

// NetnsName is the named netns handle for a container PID, bound under
// /var/run/netns so external "ip netns" tooling can inspect it.
func NetnsName(pid int) string {
	return fmt.Sprintf("cnt-%d", pid)
}
