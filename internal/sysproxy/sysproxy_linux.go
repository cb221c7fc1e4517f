//go:build linux

package sysproxy

import (
	"os/exec"
	"strconv"
	"strings"
)

// GNOME is the only desktop with a stable CLI for this; elsewhere the apply
// succeeds as a no-op so daemon state stays consistent with intent.
func applySettings(s Settings) error {
	if _, err := exec.LookPath("gsettings"); err != nil {
		return nil
	}
	if err := gset("org.gnome.system.proxy", "mode", "'manual'"); err != nil {
		return err
	}
	if len(s.Bypass) > 0 {
		if err := gset("org.gnome.system.proxy", "ignore-hosts", gvariantList(s.Bypass)); err != nil {
			return err
		}
	}
	if err := gsection("http", s.HTTPHost, s.HTTPPort); err != nil {
		return err
	}
	if err := gsection("https", s.HTTPSHost, s.HTTPSPort); err != nil {
		return err
	}
	return gsection("socks", s.SOCKSHost, s.SOCKSPort)
}

func clearSettings() error {
	if _, err := exec.LookPath("gsettings"); err != nil {
		return nil
	}
	return gset("org.gnome.system.proxy", "mode", "'none'")
}

func gsection(section, host string, port int) error {
	schema := "org.gnome.system.proxy." + section
	if host == "" || port <= 0 {
		if err := gset(schema, "host", "''"); err != nil {
			return err
		}
		return gset(schema, "port", "0")
	}
	if err := gset(schema, "host", "'"+host+"'"); err != nil {
		return err
	}
	return gset(schema, "port", strconv.Itoa(port))
}

func gset(schema, key, value string) error {
	return runTool("gsettings", "set", schema, key, value)
}

func gvariantList(items []string) string {
	quoted := make([]string, len(items))
	for i, it := range items {
		quoted[i] = "'" + it + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
