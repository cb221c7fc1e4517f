package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInjectControlStructuredOverwrite(t *testing.T) {
	base := []byte("port: 7890\nsecret: old\n")
	out := injectControl(base, "127.0.0.1:9090", "abc123")

	var doc map[string]any
	if err := yaml.Unmarshal(out, &doc); err != nil {
		t.Fatalf("effective config no longer parses: %v", err)
	}
	if doc["external-controller"] != "127.0.0.1:9090" {
		t.Errorf("external-controller not injected: %v", doc["external-controller"])
	}
	if doc["secret"] != "abc123" {
		t.Errorf("secret not overwritten: %v", doc["secret"])
	}
	if doc["port"] != 7890 {
		t.Errorf("existing keys must survive injection: %v", doc["port"])
	}
}

func TestInjectControlRawAppend(t *testing.T) {
	base := []byte("{{{ not yaml at all\n")
	out := string(injectControl(base, "127.0.0.1:9090", "abc123"))

	if !strings.HasPrefix(out, "{{{ not yaml at all\n") {
		t.Errorf("original content must be preserved: %q", out)
	}
	if !strings.Contains(out, "external-controller: 127.0.0.1:9090\n") {
		t.Errorf("missing appended controller line: %q", out)
	}
	if !strings.Contains(out, "secret: abc123\n") {
		t.Errorf("missing appended secret line: %q", out)
	}
}

func TestInjectControlAppendAddsNewline(t *testing.T) {
	out := string(injectControl([]byte("!!invalid: [unterminated"), "127.0.0.1:9090", "s"))
	if strings.Contains(out, "unterminatedexternal-controller") {
		t.Errorf("appended lines must start on a fresh line: %q", out)
	}
}

func TestWriteConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "worker")
	path, err := writeConfig(dir, []byte("mode: rule\n"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("unexpected config path %q", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "mode: rule\n" {
		t.Errorf("unexpected content %q", b)
	}
}
