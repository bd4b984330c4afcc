package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// IsCloneURL reports whether repo is a full clone URL rather than owner/name.
func IsCloneURL(repo string) bool {
	repo = strings.TrimSpace(repo)
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@", "file://"} {
		if strings.HasPrefix(repo, prefix) {
			return true
		}
	}
	return false
}

// Clone shallow-clones repoURL at ref into dest.
func Clone(ctx context.Context, repoURL, ref, dest string) error {
	if strings.TrimSpace(repoURL) == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create clone destination: %w", err)
	}
	args := []string{"clone", "--depth", "1"}
	if ref = strings.TrimSpace(ref); ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, repoURL, ".")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Never prompt for credentials.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
