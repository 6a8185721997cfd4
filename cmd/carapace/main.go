// Command carapace runs and manages the local supervisor: the daemon
// that turns inbound events into sandboxed agent sessions and mediates
// their tool calls.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carapace/carapace/internal/common/config"
	"github.com/carapace/carapace/internal/common/logger"
	"github.com/carapace/carapace/internal/supervisor"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "carapace",
	Short:         "Local supervisor for sandboxed agent sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(authCmd)

	authCmd.AddCommand(authAPIKeyCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)

	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "emit check results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithPath(configPath)
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the supervisor and block until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer log.Sync()

		s := supervisor.New(cfg, log)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err = s.Start(ctx)
		cancel()
		if err != nil {
			return err
		}

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
		return s.Wait()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := supervisor.SignalStop(cfg, 30*time.Second); err != nil {
			return err
		}
		fmt.Println("stopped")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a supervisor is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if pid, running := supervisor.ReadPID(cfg); running {
			fmt.Printf("running (pid %d)\n", pid)
			return nil
		}
		return fmt.Errorf("not running")
	},
}

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the environment can run agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		results := supervisor.Doctor(ctx, cfg, log)

		if doctorJSON {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(results); err != nil {
				return err
			}
		} else {
			for _, result := range results {
				fmt.Printf("%-6s %-12s %s\n", strings.ToUpper(result.Status), result.Name, result.Detail)
				if result.Fix != "" {
					fmt.Printf("       %-12s fix: %s\n", "", result.Fix)
				}
			}
		}

		if !supervisor.Healthy(results) {
			return fmt.Errorf("doctor found failing checks")
		}
		return nil
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove all supervisor state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := supervisor.Uninstall(cfg); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", cfg.Home)
		return nil
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage agent credentials",
}

var authAPIKeyCmd = &cobra.Command{
	Use:   "api-key",
	Short: "Store an API key for agent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Fprint(os.Stderr, "API key: ")
		reader := bufio.NewReader(os.Stdin)
		key, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if err := supervisor.StoreAPIKey(cfg, key); err != nil {
			return err
		}
		fmt.Println("API key stored")
		return nil
	},
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Prepare the OAuth state directory for interactive login",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir := supervisor.OAuthStateDir(cfg)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		fmt.Printf("OAuth state directory ready at %s\n", dir)
		fmt.Println("Complete the login inside an agent session; the state persists across spawns.")
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which credential agent sessions will use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println(supervisor.AuthMethod(cfg))
		return nil
	},
}
