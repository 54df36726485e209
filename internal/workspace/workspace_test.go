package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dfrysinger/hatchery/internal/manifest"
)

func TestGenerate_WritesExpectedFiles(t *testing.T) {
	dir := t.TempDir()
	root := New(dir, 0, 0)

	a := manifest.Agent{
		ID:          "scout",
		Identity:    "I am scout.",
		Persona:     "Terse and direct.",
		Boot:        "boot doc",
		Bootstrap:   "bootstrap doc",
		UserContext: "user ctx",
	}
	if err := root.Generate(a); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for _, name := range []string{fileIdentity, fileSoul, fileBoot, fileBootstrap, fileUserContext} {
		path := filepath.Join(dir, "scout", name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist: %v", path, err)
		}
	}

	authDir := root.AuthProfileDir("scout")
	info, err := os.Stat(authDir)
	if err != nil || !info.IsDir() {
		t.Errorf("expected auth profile dir to exist: %v", err)
	}
}

func TestGenerateSafeMode_AlwaysWritesCannedIdentity(t *testing.T) {
	dir := t.TempDir()
	root := New(dir, 0, 0)
	if err := root.GenerateSafeMode(); err != nil {
		t.Fatalf("GenerateSafeMode failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "safe-mode", fileIdentity))
	if err != nil {
		t.Fatalf("expected safe-mode identity file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty canned identity")
	}
}
