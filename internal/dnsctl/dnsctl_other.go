//go:build !darwin && !linux

package dnsctl

import (
	"fmt"
	"runtime"
)

func applyServers([]string) error {
	return fmt.Errorf("dns override not supported on %s", runtime.GOOS)
}

func revertServers() error {
	return fmt.Errorf("dns override not supported on %s", runtime.GOOS)
}

func flushCache() error {
	return fmt.Errorf("dns cache flush not supported on %s", runtime.GOOS)
}
