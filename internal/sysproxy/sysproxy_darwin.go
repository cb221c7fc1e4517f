//go:build darwin

package sysproxy

import (
	"fmt"
	"strconv"
	"strings"
)

func applySettings(s Settings) error {
	services, err := networkServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		if err := applySection(svc, "-setwebproxy", "-setwebproxystate", s.HTTPHost, s.HTTPPort); err != nil {
			return err
		}
		if err := applySection(svc, "-setsecurewebproxy", "-setsecurewebproxystate", s.HTTPSHost, s.HTTPSPort); err != nil {
			return err
		}
		if err := applySection(svc, "-setsocksfirewallproxy", "-setsocksfirewallproxystate", s.SOCKSHost, s.SOCKSPort); err != nil {
			return err
		}
		if len(s.Bypass) > 0 {
			args := append([]string{"-setproxybypassdomains", svc}, s.Bypass...)
			if err := runTool("networksetup", args...); err != nil {
				return err
			}
		}
	}
	return nil
}

func clearSettings() error {
	services, err := networkServices()
	if err != nil {
		return err
	}
	for _, svc := range services {
		for _, flag := range []string{"-setwebproxystate", "-setsecurewebproxystate", "-setsocksfirewallproxystate"} {
			if err := runTool("networksetup", flag, svc, "off"); err != nil {
				return err
			}
		}
	}
	return nil
}

func applySection(svc, setFlag, stateFlag, host string, port int) error {
	if host == "" || port <= 0 {
		return runTool("networksetup", stateFlag, svc, "off")
	}
	if err := runTool("networksetup", setFlag, svc, host, strconv.Itoa(port)); err != nil {
		return err
	}
	return runTool("networksetup", stateFlag, svc, "on")
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
		// A "*" prefix marks a disabled service.
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
