// Package commands implements the deployd command line.
package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fourclicks/deployd/pkg/config"
)

// globals are the persistent flags shared by every command.
type globals struct {
	configPath string
	envFiles   []string
	logLevel   string
	jsonOutput bool
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	g := &globals{version: version}

	rootCmd := &cobra.Command{
		Use:   "deployd",
		Short: "deployd - task execution and terraform automation",
		Long: `deployd runs task templates (Ansible playbooks and Bash scripts) against
target hosts and drives terraform operations, streaming progress as it goes.

Features:
  - Bounded execution of external tools with inactivity and overall timeouts
  - Encrypted SSH keys that only exist on disk while a task runs
  - Terraform plan/apply/destroy with workspace and variable handling
  - Inventory sync from terraform outputs into host groups
  - HTTP API with Server-Sent Events progress streams`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&g.envFiles, "env-file", []string{".env"}, "dotenv files to load")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(g))
	rootCmd.AddCommand(newMigrateCommand(g))
	rootCmd.AddCommand(newTaskCommand(g))
	rootCmd.AddCommand(newTerraformCommand(g))
	rootCmd.AddCommand(newKeysCommand(g))
	rootCmd.AddCommand(newHostsCommand(g))
	rootCmd.AddCommand(newTemplatesCommand(g))
	rootCmd.AddCommand(newVarsCommand(g))

	return rootCmd
}

// load reads the configuration and applies the global flags. Relative
// directories resolve against the config file's directory.
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath, g.envFiles...)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Telemetry.Logging.Level = g.logLevel
	}
	cfg.Telemetry.ServiceVersion = g.version
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := "."
	if g.configPath != "" {
		base = filepath.Dir(g.configPath)
	}
	if base, err = filepath.Abs(base); err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", base, err)
	}
	cfg.ResolvePaths(base)
	return cfg, nil
}
