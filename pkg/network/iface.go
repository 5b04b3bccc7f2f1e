package network

import (
	"fmt"
	"os"

	"github.com/vishvananda/netlink"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// DefaultInterface returns the name of the interface carrying the
// host's default IPv4 route.
func DefaultInterface() (string, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("%w: list routes: %v", ErrNoDefaultRoute, err)
	}

	for _, route := range routes {
		if route.Dst != nil {
			continue
		}
		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil {
			return "", fmt.Errorf("%w: resolve link %d: %v", ErrNoDefaultRoute, route.LinkIndex, err)
		}
		return link.Attrs().Name, nil
	}

	return "", ErrNoDefaultRoute
}

// EnableIPForwarding turns on IPv4 forwarding in the kernel. Idempotent.
func EnableIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("failed to read ip_forward: %w", err)
	}

	// Already enabled
	if len(data) > 0 && data[0] == '1' {
		return nil
	}

	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("%w: failed to write ip_forward: %v", ErrForwardingDisabled, err)
	}
	return nil
}
