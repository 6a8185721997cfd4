package plugin

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ReadCredential resolves key under the plugin's credentials directory
// and returns the file contents. The key may not traverse: no path
// separators, no "..", no NUL. The open refuses to follow symlinks.
// Errors never carry credential contents.
func (s *CoreServices) ReadCredential(key string) (string, error) {
	if err := validateCredentialKey(key); err != nil {
		return "", err
	}
	if s.credentialsRoot == "" {
		return "", fmt.Errorf("credential store is not configured")
	}

	path := filepath.Join(s.credentialsRoot, s.pluginName, key)

	file, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return "", fmt.Errorf("credential %q is not readable", key)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("credential %q is not a regular file", key)
	}

	value, err := io.ReadAll(file)
	if err != nil {
		return "", fmt.Errorf("credential %q could not be read", key)
	}
	return string(value), nil
}

func validateCredentialKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("credential key is empty")
	case strings.ContainsAny(key, "/\x00"):
		return fmt.Errorf("credential key %q contains forbidden characters", key)
	case key == ".." || strings.Contains(key, ".."):
		return fmt.Errorf("credential key %q may not traverse directories", key)
	}
	return nil
}
