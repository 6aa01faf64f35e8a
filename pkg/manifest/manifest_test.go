package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"OpenPlugin-Guard/pkg/permission"
)

func validManifest() Manifest {
	return Manifest{
		ID:                  "word-count",
		Name:                "Word Count",
		Version:             "1.2.0",
		Author:              "acme",
		RequiredPermissions: []permission.Capability{permission.DocumentRead},
		Dependencies:        map[string]string{"text-utils": "^1.0.0"},
		MinimumHostVersion:  "1.0.0",
	}
}

func TestValidateAcceptsCompleteManifest(t *testing.T) {
	if issues := validManifest().Validate(); len(issues) != 0 {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	m := validManifest()
	m.Version = "one"
	m.Author = ""
	m.RequiredPermissions = append(m.RequiredPermissions, "root:all")
	m.Dependencies["Bad ID"] = "not a range"
	m.MaximumHostVersion = "0.5.0"

	issues := m.Validate()
	joined := strings.Join(issues, "\n")
	for _, want := range []string{"version", "author is required", "root:all", "Bad ID", "maximumHostVersion"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected issue mentioning %q, got:\n%s", want, joined)
		}
	}
}

func TestCanonicalIgnoresSignature(t *testing.T) {
	a := validManifest()
	b := validManifest()
	b.Signature = "deadbeef"
	ca, err := a.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	cb, _ := b.Canonical()
	if string(ca) != string(cb) {
		t.Fatalf("signature must not be part of the signed payload")
	}
	if b.Signature != "deadbeef" {
		t.Fatalf("canonical must not mutate the receiver")
	}
}

func TestLoadBundleFromDirectory(t *testing.T) {
	dir := t.TempDir()
	yml := `id: hello
name: Hello
version: 0.1.0
author: acme
main: index.js
minimumHostVersion: 1.0.0
requiredPermissions:
  - ui:notification
`
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.js"), []byte("module.exports = {}"), 0o644); err != nil {
		t.Fatalf("write code: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "signature"), []byte("abc\n"), 0o644); err != nil {
		t.Fatalf("write signature: %v", err)
	}

	b, err := LoadBundle(dir)
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if b.Manifest.ID != "hello" || b.Code != "module.exports = {}" || b.Signature != "abc" {
		t.Fatalf("unexpected bundle %+v", b)
	}
	if b.Manifest.RequiredPermissions[0] != permission.UINotification {
		t.Fatalf("unexpected permissions %v", b.Manifest.RequiredPermissions)
	}
}
