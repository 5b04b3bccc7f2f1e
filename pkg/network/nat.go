package network

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"
)

// EnableNAT installs source NAT for the container subnet and the two
// FORWARD rules that let traffic cross between the veth and the host's
// outbound interface.
func EnableNAT(hostVeth, outIface string) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	// iptables -t nat -A POSTROUTING -s 10.0.0.0/24 -o <iface> -j MASQUERADE
	err = ipt.AppendUnique("nat", "POSTROUTING", "-s", Subnet, "-o", outIface, "-j", "MASQUERADE")
	if err != nil {
		return fmt.Errorf("%w: failed to add MASQUERADE rule: %v", ErrNATSetupFailed, err)
	}

	// iptables -A FORWARD -i veth-<pid> -o <iface> -j ACCEPT
	err = ipt.AppendUnique("filter", "FORWARD", "-i", hostVeth, "-o", outIface, "-j", "ACCEPT")
	if err != nil {
		return fmt.Errorf("%w: failed to add FORWARD rule: %v", ErrNATSetupFailed, err)
	}

	// iptables -A FORWARD -i <iface> -o veth-<pid> -j ACCEPT
	err = ipt.AppendUnique("filter", "FORWARD", "-i", outIface, "-o", hostVeth, "-j", "ACCEPT")
	if err != nil {
		return fmt.Errorf("%w: failed to add FORWARD rule: %v", ErrNATSetupFailed, err)
	}

	return nil
}

// DisableNAT removes the three rules in reverse insertion order.
// Deletion of an absent rule is not an error.
func DisableNAT(hostVeth, outIface string) error {
	ipt, err := iptables.New()
	if err != nil {
		return fmt.Errorf("failed to initialize iptables: %w", err)
	}

	_ = ipt.Delete("filter", "FORWARD", "-i", outIface, "-o", hostVeth, "-j", "ACCEPT")
	_ = ipt.Delete("filter", "FORWARD", "-i", hostVeth, "-o", outIface, "-j", "ACCEPT")
	_ = ipt.Delete("nat", "POSTROUTING", "-s", Subnet, "-o", outIface, "-j", "MASQUERADE")

	// IP forwarding stays on, other services may depend on it

	return nil
}
