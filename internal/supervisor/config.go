package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ControlBindAddress is the fixed loopback endpoint injected into every
// worker config; the control API is never exposed beyond the host.
const ControlBindAddress = "127.0.0.1:9090"

// injectControl rewrites the supplied worker configuration so its control API
// binds to endpoint with the generated secret. Structured-parseable content
// has the keys overwritten in place; anything else gets them appended as raw
// lines.
func injectControl(content []byte, endpoint, secret string) []byte {
	var doc map[string]any
	if err := yaml.Unmarshal(content, &doc); err == nil && doc != nil {
		doc["external-controller"] = endpoint
		doc["secret"] = secret
		if out, err := yaml.Marshal(doc); err == nil {
			return out
		}
	}
	var b strings.Builder
	b.Write(content)
	if len(content) > 0 && content[len(content)-1] != '\n' {
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "external-controller: %s\n", endpoint)
	fmt.Fprintf(&b, "secret: %s\n", secret)
	return []byte(b.String())
}

// writeConfig persists the effective config atomically to dir/config.yaml.
func writeConfig(dir string, content []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}
