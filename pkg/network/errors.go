package network

import "errors"

var (
	// veth errors
	ErrVethCreateFailed = errors.New("failed to create veth pair")
	ErrVethConfigFailed = errors.New("failed to configure veth endpoint")

	// namespace errors
	ErrNetnsNotReady     = errors.New("container network namespace not ready")
	ErrNetnsAttachFailed = errors.New("failed to attach netns handle")

	// NAT/iptables errors
	ErrNATSetupFailed     = errors.New("failed to setup NAT rules")
	ErrForwardingDisabled = errors.New("IP forwarding is disabled")

	// routing errors
	ErrNoDefaultRoute = errors.New("no default route on host")
)
