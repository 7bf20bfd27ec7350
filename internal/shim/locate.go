package shim

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// locate finds the real tool: explicit env override first, then a PATH scan
// that skips the shim's own directory so the shim never runs itself.
func locate(tool Tool) (string, error) {
	if explicit := os.Getenv(tool.RealPathEnv); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%s points to %s: %w", tool.RealPathEnv, explicit, err)
		}
		return explicit, nil
	}

	selfDir := ""
	if self, err := os.Executable(); err == nil {
		selfDir = canonicalDir(filepath.Dir(self))
	}

	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if selfDir != "" && canonicalDir(dir) == selfDir {
			continue
		}
		candidate := filepath.Join(dir, tool.Binary)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf(
		"real %s not found on PATH (outside the shim directory); set %s",
		tool.Binary, tool.RealPathEnv)
}

// canonicalDir resolves symlinks and case so directory identity compares
// reliably.
func canonicalDir(dir string) string {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolved = dir
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		abs = resolved
	}
	return strings.ToLower(filepath.Clean(abs))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	// Windows decides executability by extension; elsewhere check the mode.
	if filepath.Ext(path) != "" {
		return true
	}
	if _, err := exec.LookPath(path); err != nil {
		return false
	}
	return true
}
