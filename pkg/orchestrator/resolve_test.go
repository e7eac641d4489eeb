package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveScriptExplicit(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "worker.js")
	os.WriteFile(script, []byte("// worker"), 0o644)

	got, err := ResolveScript(script, filepath.Join(dir, "adapters"), "", "")
	if err != nil {
		t.Fatalf("ResolveScript: %v", err)
	}
	if got != script {
		t.Errorf("got %s, want %s", got, script)
	}

	_, err = ResolveScript(filepath.Join(dir, "missing.js"), "", "", "")
	if !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("err = %v, want ErrScriptNotFound", err)
	}
}

func TestResolveScriptAdapter(t *testing.T) {
	dataDir := t.TempDir()
	adapters := AdaptersDir(dataDir)
	os.MkdirAll(adapters, 0o755)
	os.WriteFile(filepath.Join(adapters, DefaultAdapter), []byte("// adapter"), 0o644)

	got, err := ResolveScript("", adapters, "", "")
	if err != nil {
		t.Fatalf("ResolveScript: %v", err)
	}
	if filepath.Base(got) != DefaultAdapter {
		t.Errorf("got %s", got)
	}

	if _, err := ResolveScript("", adapters, "", "other.js"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("err = %v, want ErrScriptNotFound", err)
	}
}

func TestResolveScriptRejectsEscape(t *testing.T) {
	dataDir := t.TempDir()
	adapters := AdaptersDir(dataDir)
	os.MkdirAll(adapters, 0o755)
	os.WriteFile(filepath.Join(dataDir, "outside.js"), []byte("// nope"), 0o644)

	if _, err := ResolveScript("", adapters, "", "../outside.js"); err == nil {
		t.Fatal("expected escape outside adapters dir to be rejected")
	}
}

func TestResolveScriptBundledFallback(t *testing.T) {
	adapters := AdaptersDir(t.TempDir())
	bundled := t.TempDir()
	os.WriteFile(filepath.Join(bundled, DefaultAdapter), []byte("// bundled"), 0o644)

	got, err := ResolveScript("", adapters, bundled, "")
	if err != nil {
		t.Fatalf("ResolveScript: %v", err)
	}
	if want := filepath.Join(bundled, DefaultAdapter); got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	// The data dir copy takes precedence once installed.
	if _, err := InstallAdapter(bundled, adapters, ""); err != nil {
		t.Fatalf("InstallAdapter: %v", err)
	}
	got, err = ResolveScript("", adapters, bundled, "")
	if err != nil {
		t.Fatalf("ResolveScript: %v", err)
	}
	want, _ := filepath.Abs(filepath.Join(adapters, DefaultAdapter))
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestResolveScriptNothingConfigured(t *testing.T) {
	if _, err := ResolveScript("", "", "", ""); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("err = %v, want ErrScriptNotFound", err)
	}
}

func TestInstallAdapter(t *testing.T) {
	bundled := t.TempDir()
	adapters := filepath.Join(t.TempDir(), "adapters")
	os.WriteFile(filepath.Join(bundled, DefaultAdapter), []byte("v1"), 0o644)

	installed, err := InstallAdapter(bundled, adapters, "")
	if err != nil {
		t.Fatalf("InstallAdapter: %v", err)
	}
	if !installed {
		t.Fatal("expected adapter to be installed")
	}
	data, _ := os.ReadFile(filepath.Join(adapters, DefaultAdapter))
	if string(data) != "v1" {
		t.Errorf("installed content = %q", data)
	}

	// An existing copy is left alone.
	os.WriteFile(filepath.Join(bundled, DefaultAdapter), []byte("v2"), 0o644)
	installed, err = InstallAdapter(bundled, adapters, "")
	if err != nil {
		t.Fatalf("InstallAdapter: %v", err)
	}
	if installed {
		t.Error("existing adapter was overwritten")
	}
	data, _ = os.ReadFile(filepath.Join(adapters, DefaultAdapter))
	if string(data) != "v1" {
		t.Errorf("content = %q, want v1", data)
	}
}

func TestInstallAdapterNoBundle(t *testing.T) {
	adapters := filepath.Join(t.TempDir(), "adapters")

	installed, err := InstallAdapter(t.TempDir(), adapters, "")
	if err != nil || installed {
		t.Fatalf("InstallAdapter = (%v, %v), want (false, nil)", installed, err)
	}
	installed, err = InstallAdapter("", adapters, "")
	if err != nil || installed {
		t.Fatalf("InstallAdapter empty dir = (%v, %v), want (false, nil)", installed, err)
	}
}
