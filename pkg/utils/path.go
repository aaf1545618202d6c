package utils

import (
	"fmt"
	"strings"
)

// ValidatePath verifies that path is an absolute node path. The root "/" is valid.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path does not start at the root")
	}

	if path == "/" {
		return nil
	}

	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("path should end in a node name, not a '/'")
	}

	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains a null character")
	}

	// Since we have a leading /, then we expect the first name to be empty.
	for _, name := range strings.Split(path, "/")[1:] {
		switch name {
		case "":
			return fmt.Errorf("path contains an empty node name")
		case ".", "..":
			return fmt.Errorf("path contains a relative node name %q", name)
		}
	}
	return nil
}

// SplitPath returns the parent path and the last node name of a valid, non-root path.
func SplitPath(path string) (string, string) {
	i := strings.LastIndex(path, "/")
	if i == 0 {
		return "/", path[1:]
	}
	return path[:i], path[i+1:]
}

// JoinPath appends a node name to a parent path.
func JoinPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
