//go:build linux

package dnsctl

import (
	"net"
	"os/exec"
)

// systemd-resolved is the only resolver with a stable CLI for runtime
// overrides; without it the operations succeed as no-ops so daemon state
// stays consistent with intent.

func applyServers(servers []string) error {
	if _, err := exec.LookPath("resolvectl"); err != nil {
		return nil
	}
	args := append([]string{"dns", defaultLink()}, servers...)
	return runTool("resolvectl", args...)
}

func revertServers() error {
	if _, err := exec.LookPath("resolvectl"); err != nil {
		return nil
	}
	return runTool("resolvectl", "revert", defaultLink())
}

func flushCache() error {
	if _, err := exec.LookPath("resolvectl"); err != nil {
		return nil
	}
	return runTool("resolvectl", "flush-caches")
}

func defaultLink() string {
	ifs, err := net.Interfaces()
	if err != nil {
		return "eth0"
	}
	for _, i := range ifs {
		if i.Flags&net.FlagUp != 0 && i.Flags&net.FlagLoopback == 0 {
			return i.Name
		}
	}
	return "eth0"
}
