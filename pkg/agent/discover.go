package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrBinaryNotFound means no LLM-CLI installation could be located.
var ErrBinaryNotFound = errors.New("LLM CLI binary not found")

// DiscoverBinary resolves the CLI binary. An explicit configured path wins
// and must exist. Otherwise the CLI installer's isolated locations are
// checked before PATH, then the common system prefixes and the npm global
// prefix.
func DiscoverBinary(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("configured claude binary: %w", err)
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return discover(home, exec.LookPath)
}

func discover(home string, lookPath func(string) (string, error)) (string, error) {
	if home != "" {
		for _, p := range []string{
			filepath.Join(home, ".claude", "local", "claude"),
			filepath.Join(home, ".local", "bin", "claude"),
		} {
			if isExecutable(p) {
				return p, nil
			}
		}
	}

	if p, err := lookPath("claude"); err == nil {
		return p, nil
	}

	candidates := []string{
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".npm-global", "bin", "claude"))
	}
	if prefix := os.Getenv("NPM_CONFIG_PREFIX"); prefix != "" {
		candidates = append(candidates, filepath.Join(prefix, "bin", "claude"))
	}
	for _, p := range candidates {
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", ErrBinaryNotFound
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
