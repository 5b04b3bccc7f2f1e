//go:build linux

package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// SetupVethPair gives the container at pid L3 connectivity: veth pair,
// addresses on both ends, loopback and default route inside the
// namespace, NAT out of defaultIface. The caller must have confirmed
// (WaitForNetns) that the container's netns exists.
func SetupVethPair(pid int, defaultIface string) error {
	hostName := HostVeth(pid)
	containerName := ContainerVeth(pid)

	la := netlink.NewLinkAttrs()
	la.Name = hostName
	veth := &netlink.Veth{LinkAttrs: la, PeerName: containerName}

	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("%w: %v", ErrVethCreateFailed, err)
	}

	if err := AttachHandle(pid); err != nil {
		return err
	}

	peer, err := netlink.LinkByName(containerName)
	if err != nil {
		return fmt.Errorf("%w: find container end: %v", ErrVethCreateFailed, err)
	}
	if err := netlink.LinkSetNsPid(peer, pid); err != nil {
		return fmt.Errorf("%w: move %s into netns of pid %d: %v", ErrVethCreateFailed, containerName, pid, err)
	}

	if err := configureHostEnd(veth); err != nil {
		return err
	}
	if err := configureContainerEnd(pid, containerName); err != nil {
		return err
	}

	return EnableNAT(hostName, defaultIface)
}

func configureHostEnd(veth netlink.Link) error {
	addr, err := netlink.ParseAddr(HostAddr)
	if err != nil {
		return fmt.Errorf("%w: parse host address: %v", ErrVethConfigFailed, err)
	}
	if err := netlink.AddrAdd(veth, addr); err != nil {
		return fmt.Errorf("%w: assign %s: %v", ErrVethConfigFailed, HostAddr, err)
	}
	if err := netlink.LinkSetUp(veth); err != nil {
		return fmt.Errorf("%w: bring host end up: %v", ErrVethConfigFailed, err)
	}
	return nil
}

// configureContainerEnd assigns the container address, brings lo and
// the veth up, and installs the default route, all from inside the
// container's netns.
func configureContainerEnd(pid int, containerName string) error {
	return inNamespace(pid, func() error {
		link, err := netlink.LinkByName(containerName)
		if err != nil {
			return fmt.Errorf("%w: find %s in namespace: %v", ErrVethConfigFailed, containerName, err)
		}

		addr, err := netlink.ParseAddr(ContainerAddr)
		if err != nil {
			return fmt.Errorf("%w: parse container address: %v", ErrVethConfigFailed, err)
		}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("%w: assign %s: %v", ErrVethConfigFailed, ContainerAddr, err)
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("%w: bring %s up: %v", ErrVethConfigFailed, containerName, err)
		}

		lo, err := netlink.LinkByName("lo")
		if err != nil {
			return fmt.Errorf("%w: find lo: %v", ErrVethConfigFailed, err)
		}
		if err := netlink.LinkSetUp(lo); err != nil {
			return fmt.Errorf("%w: bring lo up: %v", ErrVethConfigFailed, err)
		}

		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        net.ParseIP(GatewayIP),
		}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("%w: add default route via %s: %v", ErrVethConfigFailed, GatewayIP, err)
		}
		return nil
	})
}

// TeardownVethPair undoes SetupVethPair. Deleting the host end removes
// the peer with it; every step is independently best-effort so partial
// setups still tear down as far as possible.
func TeardownVethPair(pid int, defaultIface string) error {
	var firstErr error

	if link, err := netlink.LinkByName(HostVeth(pid)); err == nil {
		if err := netlink.LinkDel(link); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete %s: %w", HostVeth(pid), err)
		}
	}

	if err := DetachHandle(pid); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("detach netns handle: %w", err)
	}

	if err := DisableNAT(HostVeth(pid), defaultIface); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
