package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fourclicks/deployd/pkg/engine"
	"github.com/fourclicks/deployd/pkg/process"
	"github.com/fourclicks/deployd/pkg/stores"
	"github.com/fourclicks/deployd/pkg/telemetry"
	"github.com/fourclicks/deployd/pkg/terraform"
)

// SecretEnv holds the server-wide secret protecting stored private keys.
const SecretEnv = "SSH_KEY_ENCRYPTION_KEY"

// Config is the deployd configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  stores.Config        `yaml:"database"`
	Paths     PathsConfig          `yaml:"paths"`
	Timeouts  process.Timeouts     `yaml:"timeouts"`
	Terraform TerraformConfig      `yaml:"terraform"`
	Ansible   engine.AnsibleConfig `yaml:"ansible"`
	SSH       engine.SSHConfig     `yaml:"ssh"`
	Telemetry telemetry.Config     `yaml:"telemetry"`

	// Secret is never read from the config file.
	Secret string `yaml:"-"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// PathsConfig locates task templates, terraform projects and scratch files.
type PathsConfig struct {
	// TasksDir is the root of task template paths.
	TasksDir string `yaml:"tasks_dir" validate:"required"`

	// InfraDir holds one <project>/infra/terraform directory per project.
	InfraDir string `yaml:"infra_dir" validate:"required"`

	// TempDir holds key files, inventories and scripts. Empty means the
	// system default.
	TempDir string `yaml:"temp_dir"`
}

// TerraformConfig configures the terraform runner.
type TerraformConfig struct {
	Binary          string                    `yaml:"binary" validate:"required"`
	WorkspacePolicy terraform.WorkspacePolicy `yaml:"workspace_policy" validate:"oneof=tolerant strict"`
	CreateWorkspace bool                      `yaml:"create_workspace"`
	HookTimeout     time.Duration             `yaml:"hook_timeout" validate:"gt=0"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Database: stores.Config{
			Path:        "deployd.db",
			BusyTimeout: 5 * time.Second,
		},
		Paths: PathsConfig{
			TasksDir: "tasks",
			InfraDir: "infra",
		},
		Timeouts: process.DefaultTimeouts(),
		Terraform: TerraformConfig{
			Binary:          "terraform",
			WorkspacePolicy: terraform.WorkspaceTolerant,
			HookTimeout:     5 * time.Minute,
		},
		Ansible: engine.AnsibleConfig{
			Binary:            "ansible-playbook",
			SSHCommonArgs:     engine.DefaultAnsibleSSHArgs,
			ConnectionTimeout: 60,
		},
		SSH: engine.SSHConfig{
			Binary:  "ssh",
			Options: engine.DefaultSSHOptions(),
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load builds the configuration from the defaults, the optional YAML file at
// path, the given .env files and the environment, in that order. Missing
// .env files are skipped. Variables already set in the environment win over
// .env files.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overrides fields from DEPLOYD_* variables.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str(SecretEnv, &c.Secret)
	str("DEPLOYD_LISTEN_ADDRESS", &c.Server.ListenAddress)
	str("DEPLOYD_DB_PATH", &c.Database.Path)
	str("DEPLOYD_TASKS_DIR", &c.Paths.TasksDir)
	str("DEPLOYD_INFRA_DIR", &c.Paths.InfraDir)
	str("DEPLOYD_TEMP_DIR", &c.Paths.TempDir)
	str("DEPLOYD_TERRAFORM_BINARY", &c.Terraform.Binary)
	str("DEPLOYD_ANSIBLE_BINARY", &c.Ansible.Binary)
	str("DEPLOYD_SSH_USER", &c.SSH.User)
	str("DEPLOYD_LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("DEPLOYD_LOG_FORMAT", &c.Telemetry.Logging.Format)
	str("DEPLOYD_METRICS_ADDRESS", &c.Telemetry.Metrics.ListenAddress)
	str("DEPLOYD_ENVIRONMENT", &c.Telemetry.Environment)

	var policy string
	str("DEPLOYD_WORKSPACE_POLICY", &policy)
	if policy != "" {
		c.Terraform.WorkspacePolicy = terraform.WorkspacePolicy(policy)
	}

	for key, dst := range map[string]*time.Duration{
		"DEPLOYD_START_TIMEOUT":      &c.Timeouts.Start,
		"DEPLOYD_INACTIVITY_TIMEOUT": &c.Timeouts.Inactivity,
		"DEPLOYD_OVERALL_TIMEOUT":    &c.Timeouts.Overall,
		"DEPLOYD_HOOK_TIMEOUT":       &c.Terraform.HookTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	if err := boolean("DEPLOYD_METRICS_ENABLED", &c.Telemetry.Metrics.Enabled); err != nil {
		return err
	}
	return boolean("DEPLOYD_CREATE_WORKSPACE", &c.Terraform.CreateWorkspace)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. The secret is checked separately by
// RequireSecret since not every command needs it.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// RequireSecret fails when no server secret is configured.
func (c *Config) RequireSecret() error {
	if c.Secret == "" {
		return fmt.Errorf("%s is not set", SecretEnv)
	}
	return nil
}

// ResolvePaths makes the directory paths absolute relative to base.
func (c *Config) ResolvePaths(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Paths.TasksDir = abs(c.Paths.TasksDir)
	c.Paths.InfraDir = abs(c.Paths.InfraDir)
	c.Paths.TempDir = abs(c.Paths.TempDir)
}
