package confkit

import (
	"fmt"
	"os"
	"path/filepath"
)

const maxWalkDepth = 8

// ProjectRoot walks up from the working directory to the first directory holding a
// go.mod or .git, falling back to the working directory itself. Tests and local runs
// use it to find etc/.
func ProjectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return ".", fmt.Errorf("getwd: %w", err)
	}
	for _, d := range walkUp(wd) {
		if isProjectRoot(d) {
			return d, nil
		}
	}
	return wd, nil
}

// ProjectPath joins rel onto ProjectRoot.
func ProjectPath(rel string) (string, error) {
	root, err := ProjectRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, rel), nil
}

func walkUp(dir string) []string {
	dirs := []string{dir}
	for i := 1; i < maxWalkDepth; i++ {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dirs = append(dirs, parent)
		dir = parent
	}
	return dirs
}

func isProjectRoot(dir string) bool {
	return fileExists(filepath.Join(dir, "go.mod")) || fileExists(filepath.Join(dir, ".git"))
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	_, err := os.Stat(p)
	return err == nil
}
