package orchestrator

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/codechat-universal/codechat/pkg/policy"
)

const DefaultAdapter = "playwright-service.js"

var ErrScriptNotFound = errors.New("orchestrator: worker script not found")

// AdaptersDir is where worker scripts live under the data directory.
func AdaptersDir(dataDir string) string {
	return filepath.Join(dataDir, "adapters")
}

// ResolveScript returns the absolute path of the worker script. An explicit
// script path wins. Otherwise adapter is looked up in adaptersDir, then in
// bundledDir; a name that escapes its directory is rejected.
func ResolveScript(script, adaptersDir, bundledDir, adapter string) (string, error) {
	if script != "" {
		abs, err := filepath.Abs(script)
		if err != nil {
			return "", fmt.Errorf("orchestrator: resolving %s: %w", script, err)
		}
		if err := requireFile(abs); err != nil {
			return "", err
		}
		return abs, nil
	}

	if adapter == "" {
		adapter = DefaultAdapter
	}
	var lastErr error
	for _, dir := range []string{adaptersDir, bundledDir} {
		if dir == "" {
			continue
		}
		path, err := lookupAdapter(dir, adapter)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, ErrScriptNotFound) {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no adapter directory configured", ErrScriptNotFound)
	}
	return "", lastErr
}

func lookupAdapter(dir, adapter string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolving %s: %w", dir, err)
	}
	path := filepath.Join(dir, adapter)
	if err := policy.CheckPathAllowed(path, []string{dir}); err != nil {
		return "", err
	}
	if err := requireFile(path); err != nil {
		return "", err
	}
	return path, nil
}

// InstallAdapter copies name from bundledDir into adaptersDir unless it is
// already present there. It reports whether a copy was made.
func InstallAdapter(bundledDir, adaptersDir, name string) (bool, error) {
	if name == "" {
		name = DefaultAdapter
	}
	dst := filepath.Join(adaptersDir, name)
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("orchestrator: checking %s: %w", dst, err)
	}
	if bundledDir == "" {
		return false, nil
	}

	src := filepath.Join(bundledDir, name)
	if err := policy.CheckPathAllowed(src, []string{bundledDir}); err != nil {
		return false, err
	}
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("orchestrator: opening bundled adapter: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(adaptersDir, 0o755); err != nil {
		return false, fmt.Errorf("orchestrator: creating adapters dir: %w", err)
	}
	tmp, err := os.CreateTemp(adaptersDir, "."+name+".*")
	if err != nil {
		return false, fmt.Errorf("orchestrator: installing adapter: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return false, fmt.Errorf("orchestrator: copying adapter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("orchestrator: copying adapter: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return false, fmt.Errorf("orchestrator: installing adapter: %w", err)
	}
	return true, nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, path)
	}
	if err != nil {
		return fmt.Errorf("orchestrator: checking %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrScriptNotFound, path)
	}
	return nil
}
