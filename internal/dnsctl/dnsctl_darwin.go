//go:build darwin

package dnsctl

import (
	"fmt"
	"strings"
)

func applyServers(servers []string) error {
	services, err := networkServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		args := append([]string{"-setdnsservers", svc}, servers...)
		if err := runTool("networksetup", args...); err != nil {
			return err
		}
	}
	return nil
}

func revertServers() error {
	services, err := networkServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		// "Empty" restores DHCP-provided resolvers.
		if err := runTool("networksetup", "-setdnsservers", svc, "Empty"); err != nil {
			return err
		}
	}
	return nil
}

func flushCache() error {
	if err := runTool("dscacheutil", "-flushcache"); err != nil {
		return err
	}
	return runTool("killall", "-HUP", "mDNSResponder")
}

func networkServices() ([]string, error) {
	out, err := outputTool("networksetup", "-listallnetworkservices")
	if err != nil {
		return nil, err
	}
	var services []string
	for _, line := range strings.Split(out, "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "An asterisk") {
			continue
		}
		s = strings.TrimSpace(strings.TrimPrefix(s, "*"))
		if s != "" {
			services = append(services, s)
		}
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("no network services found")
	}
	return services, nil
}
