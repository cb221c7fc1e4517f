package sysproxy

import (
	"bytes"
	"os/exec"
	"strings"
)

// runTool executes an OS configuration command, folding stderr into the
// returned error for display.
func runTool(tool string, args ...string) error {
	cmd := exec.Command(tool, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &CommandError{Tool: tool, Args: args, Detail: strings.TrimSpace(stderr.String()), Err: err}
	}
	return nil
}

// outputTool executes a command and returns its stdout.
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
