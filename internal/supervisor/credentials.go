package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/carapace/carapace/internal/common/config"
)

const apiKeyFile = "anthropic_api_key"

// StoreAPIKey persists the agent API key under the credentials
// directory with owner-only permissions.
func StoreAPIKey(cfg *config.Config, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("API key is empty")
	}
	if err := os.MkdirAll(cfg.CredentialsDir(), 0o700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	path := filepath.Join(cfg.CredentialsDir(), apiKeyFile)
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return fmt.Errorf("write API key: %w", err)
	}
	return nil
}

// OAuthStateDir returns the directory mounted into agent containers
// for OAuth-based login.
func OAuthStateDir(cfg *config.Config) string {
	return filepath.Join(cfg.CredentialsDir(), "oauth")
}

// AuthMethod reports which credential the next spawn would use:
// "api-key", "oauth", or "none". The API key wins when both exist.
func AuthMethod(cfg *config.Config) string {
	creds := loadCredentials(cfg)
	switch {
	case creds.APIKey != "":
		return "api-key"
	case creds.OAuthStateDir != "":
		return "oauth"
	default:
		return "none"
	}
}

// Uninstall removes all supervisor state under the home directory.
// It refuses while a supervisor is running.
func Uninstall(cfg *config.Config) error {
	if pid, running := ReadPID(cfg); running {
		return fmt.Errorf("supervisor is running (pid %d); stop it first", pid)
	}
	if err := os.RemoveAll(cfg.Home); err != nil {
		return fmt.Errorf("remove %s: %w", cfg.Home, err)
	}
	return nil
}
