package agent

import (
	"path/filepath"
	"strings"
)

// SafeJoin resolves userPath against baseDir and returns the canonical
// absolute path, refusing any result that would escape baseDir. It is the
// Go equivalent of utils.validate_file_path: blueprint resolution and
// volume mount-point materialization both join untrusted strings onto a
// configured base directory and must not allow "../" escapes.
func SafeJoin(baseDir, userPath string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	target, err := filepath.Abs(filepath.Join(base, userPath))
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", Validation("path traversal detected: %s", userPath)
	}
	return target, nil
}
