package dnsctl

import (
	"bytes"
	"os/exec"
	"strings"
)

func runTool(tool string, args ...string) error {
	cmd := exec.Command(tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Tool: tool, Args: args, Detail: strings.TrimSpace(stderr.String()), Err: err}
	}
	return nil
}

func outputTool(tool string, args ...string) (string, error) {
	cmd := exec.Command(tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", &CommandError{Tool: tool, Args: args, Detail: strings.TrimSpace(stderr.String()), Err: err}
	}
	return string(out), nil
}
