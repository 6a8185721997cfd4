package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carapace/carapace/internal/bus"
	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
)

// Check statuses.
const (
	CheckPass = "pass"
	CheckWarn = "warn"
	CheckFail = "fail"
)

// CheckResult is one doctor finding. Fix is a concrete remediation,
// empty on pass.
type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail"`
	Fix    string `json:"fix,omitempty"`
}

// Doctor runs the environment checks a working install needs.
func Doctor(ctx context.Context, cfg *config.Config, log *logger.Logger) []CheckResult {
	checks := []CheckResult{
		checkHome(cfg),
		checkGroups(cfg),
		checkRuntime(ctx, cfg, log),
		checkImage(ctx, cfg, log),
		checkCredentials(cfg),
		checkPluginDirs(cfg),
	}
	if cfg.NATS.URL != "" {
		checks = append(checks, checkNATS(cfg, log))
	}
	return checks
}

// Healthy reports whether no check failed.
func Healthy(results []CheckResult) bool {
	for _, result := range results {
		if result.Status == CheckFail {
			return false
		}
	}
	return true
}

func checkHome(cfg *config.Config) CheckResult {
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return CheckResult{
			Name: "home", Status: CheckFail,
			Detail: fmt.Sprintf("cannot create %s: %v", cfg.Home, err),
			Fix:    "choose a writable home directory via CARAPACE_HOME or config home:",
		}
	}
	probe := filepath.Join(cfg.Home, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "home", Status: CheckFail,
			Detail: fmt.Sprintf("%s is not writable: %v", cfg.Home, err),
			Fix:    fmt.Sprintf("fix permissions on %s", cfg.Home),
		}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "home", Status: CheckPass, Detail: cfg.Home}
}

func checkGroups(cfg *config.Config) CheckResult {
	if len(cfg.Groups.Configured) == 0 {
		return CheckResult{
			Name: "groups", Status: CheckWarn,
			Detail: "no groups configured; inbound messages will be dropped",
			Fix:    "add groups.configured entries to config.yaml",
		}
	}
	return CheckResult{Name: "groups", Status: CheckPass, Detail: fmt.Sprintf("%d configured", len(cfg.Groups.Configured))}
}

func checkRuntime(ctx context.Context, cfg *config.Config, log *logger.Logger) CheckResult {
	rt, err := probeRuntime(ctx, cfg, log)
	if err != nil {
		return CheckResult{
			Name: "runtime", Status: CheckFail,
			Detail: err.Error(),
			Fix:    "start docker, or start the podman socket (systemctl --user start podman.socket)",
		}
	}
	defer rt.Close()
	version, err := rt.Version(ctx)
	if err != nil {
		version = "unknown"
	}
	return CheckResult{Name: "runtime", Status: CheckPass, Detail: fmt.Sprintf("%s %s", rt.Name(), version)}
}

func checkImage(ctx context.Context, cfg *config.Config, log *logger.Logger) CheckResult {
	rt, err := probeRuntime(ctx, cfg, log)
	if err != nil {
		return CheckResult{
			Name: "image", Status: CheckWarn,
			Detail: "cannot check image without a runtime",
		}
	}
	defer rt.Close()
	exists, err := rt.ImageExists(ctx, cfg.Runtime.Image)
	if err != nil {
		return CheckResult{Name: "image", Status: CheckWarn, Detail: err.Error()}
	}
	if !exists {
		return CheckResult{
			Name: "image", Status: CheckWarn,
			Detail: fmt.Sprintf("agent image %s is not present", cfg.Runtime.Image),
			Fix:    fmt.Sprintf("pull or build %s before spawning sessions", cfg.Runtime.Image),
		}
	}
	return CheckResult{Name: "image", Status: CheckPass, Detail: cfg.Runtime.Image}
}

func checkCredentials(cfg *config.Config) CheckResult {
	creds := loadCredentials(cfg)
	switch {
	case creds.APIKey != "":
		return CheckResult{Name: "credentials", Status: CheckPass, Detail: "API key configured"}
	case creds.OAuthStateDir != "":
		return CheckResult{Name: "credentials", Status: CheckPass, Detail: "OAuth state present"}
	default:
		return CheckResult{
			Name: "credentials", Status: CheckWarn,
			Detail: "no agent credentials configured",
			Fix:    "run `carapace auth api-key` or `carapace auth login`",
		}
	}
}

func checkPluginDirs(cfg *config.Config) CheckResult {
	if _, err := os.Stat(cfg.Plugins.UserDir); os.IsNotExist(err) {
		return CheckResult{
			Name: "plugins", Status: CheckWarn,
			Detail: fmt.Sprintf("user plugin directory %s does not exist", cfg.Plugins.UserDir),
			Fix:    fmt.Sprintf("mkdir -p %s", cfg.Plugins.UserDir),
		}
	}
	return CheckResult{Name: "plugins", Status: CheckPass, Detail: cfg.Plugins.UserDir}
}

func checkNATS(cfg *config.Config, log *logger.Logger) CheckResult {
	eventBus, err := bus.NewNATSEventBus(cfg.NATS, 16, log)
	if err != nil {
		return CheckResult{
			Name: "nats", Status: CheckFail,
			Detail: err.Error(),
			Fix:    fmt.Sprintf("check that a NATS server is listening at %s", cfg.NATS.URL),
		}
	}
	eventBus.Close()
	return CheckResult{Name: "nats", Status: CheckPass, Detail: cfg.NATS.URL}
}
