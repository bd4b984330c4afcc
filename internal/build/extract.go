package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/docker/pkg/archive"
)

// Extract unpacks a (possibly gzip-compressed) tar stream into dest and
// returns the repository root: the first directory at the top of the archive.
// Entries resolving outside dest are rejected.
func Extract(r io.Reader, dest string) (string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create extraction dir: %w", err)
	}
	if err := archive.Untar(r, dest, &archive.TarOptions{NoLchown: true}); err != nil {
		return "", fmt.Errorf("untar: %w", err)
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		return "", fmt.Errorf("read extraction dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() {
			return filepath.Join(dest, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no directory found in extracted archive")
}
