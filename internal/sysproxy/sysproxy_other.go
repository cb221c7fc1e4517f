//go:build !darwin && !linux

package sysproxy

import (
	"fmt"
	"runtime"
)

func applySettings(Settings) error {
	return fmt.Errorf("system proxy configuration not supported on %s", runtime.GOOS)
}

func clearSettings() error {
	return fmt.Errorf("system proxy configuration not supported on %s", runtime.GOOS)
}
