package bridge

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// BinarySpec describes where to look for the app-server executable.
type BinarySpec struct {
	// Path is tried first when set.
	Path string
	// Name is looked up in PATH and then in SearchDirs.
	Name string
	// SearchDirs extends the built-in list of install directories.
	SearchDirs []string
}

// DefaultBinaryName is the executable looked up when BinarySpec.Name is empty.
const DefaultBinaryName = "codex"

// WellKnownDirs lists common install locations outside PATH.
func WellKnownDirs() []string {
	dirs := make([]string, 0, 4)
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".cargo", "bin"), filepath.Join(home, ".local", "bin"))
	}
	return append(dirs, "/usr/local/bin", "/opt/homebrew/bin")
}

// Locate resolves the executable: explicit path, then PATH, then the
// configured and well-known directories.
func Locate(spec BinarySpec) (string, error) {
	if spec.Path != "" && isExecutable(spec.Path) {
		return spec.Path, nil
	}
	name := spec.Name
	if name == "" {
		name = DefaultBinaryName
	}
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	dirs := append(append([]string(nil), spec.SearchDirs...), WellKnownDirs()...)
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	if spec.Path != "" {
		return "", fmt.Errorf("%w: %s (and %q not in PATH or %v)", ErrBinaryNotFound, spec.Path, name, dirs)
	}
	return "", fmt.Errorf("%w: %q not in PATH or %v", ErrBinaryNotFound, name, dirs)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
