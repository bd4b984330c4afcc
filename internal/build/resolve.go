package build

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultDockerfile is used when a request names no build file.
const DefaultDockerfile = "Dockerfile"

// MissingBuildFileError lists the build files found when the requested one is absent.
type MissingBuildFileError struct {
	Path  string
	Found []string
}

func (e *MissingBuildFileError) Error() string {
	msg := fmt.Sprintf("Dockerfile not found at %s.", e.Path)
	if len(e.Found) == 0 {
		return msg + " No Dockerfiles found in repository."
	}
	return msg + " Found Dockerfiles at: " + strings.Join(e.Found, ", ")
}

// Target is a resolved build context and build file name.
type Target struct {
	ContextDir string
	Dockerfile string
}

// ResolveBuildFile maps a repository-relative build file path onto root.
// Leading directories become the build context; the last element is the file name.
func ResolveBuildFile(root, buildFile string) (Target, error) {
	buildFile = strings.TrimSpace(filepath.ToSlash(buildFile))
	if buildFile == "" {
		buildFile = DefaultDockerfile
	}
	clean := path.Clean(strings.TrimPrefix(buildFile, "./"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return Target{}, fmt.Errorf("build file path %q escapes the repository", buildFile)
	}
	dir, name := path.Split(clean)
	target := Target{ContextDir: root, Dockerfile: name}
	if dir != "" {
		target.ContextDir = filepath.Join(root, filepath.FromSlash(dir))
	}
	info, err := os.Stat(filepath.Join(target.ContextDir, name))
	if err != nil || info.IsDir() {
		found, _ := FindDockerfiles(root)
		return Target{}, &MissingBuildFileError{Path: clean, Found: found}
	}
	return target, nil
}

// FindDockerfiles lists repository-relative paths of files named Dockerfile
// or Dockerfile.<suffix>, sorted.
func FindDockerfiles(root string) ([]string, error) {
	var found []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if name := d.Name(); name == DefaultDockerfile || strings.HasPrefix(name, DefaultDockerfile+".") {
			rel, relErr := filepath.Rel(root, p)
			if relErr == nil {
				found = append(found, filepath.ToSlash(rel))
			}
		}
		return nil
	})
	sort.Strings(found)
	return found, err
}
