package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const DefaultPath = ".agentguard/config.yaml"

const (
	defaultMasterPasswordEnv = "AGENTGUARD_PASSWORD"
	defaultApprovalTimeout   = 5 * time.Minute
	defaultPollInterval      = 500 * time.Millisecond
)

type Config struct {
	Guardian GuardianDefaults `yaml:"guardian"`
	Gate     GateDefaults     `yaml:"gate"`
	Notify   NotifyDefaults   `yaml:"notify"`
}

type GuardianDefaults struct {
	BasePath          string `yaml:"base_path"`
	MasterPasswordEnv string `yaml:"master_password_env"`
	KDFIterations     int    `yaml:"kdf_iterations"`
}

type GateDefaults struct {
	ApprovalTimeout string `yaml:"approval_timeout"`
	PollInterval    string `yaml:"poll_interval"`
}

type NotifyDefaults struct {
	WebhookURL string `yaml:"webhook_url"`
	Timeout    string `yaml:"timeout"`
}

func Load(path string, allowMissing bool) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("guardian config path is required")
	}

	// #nosec G304 -- config path is explicit local user input.
	content, err := os.ReadFile(trimmedPath)
	if err != nil {
		if os.IsNotExist(err) && allowMissing {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read guardian config: %w", err)
	}
	if len(strings.TrimSpace(string(content))) == 0 {
		return Config{}, nil
	}

	var configuration Config
	if err := yaml.Unmarshal(content, &configuration); err != nil {
		return Config{}, fmt.Errorf("parse guardian config: %w", err)
	}
	configuration.normalize()
	return configuration, nil
}

func (configuration *Config) normalize() {
	configuration.Guardian.BasePath = strings.TrimSpace(configuration.Guardian.BasePath)
	configuration.Guardian.MasterPasswordEnv = strings.TrimSpace(configuration.Guardian.MasterPasswordEnv)
	configuration.Gate.ApprovalTimeout = strings.TrimSpace(configuration.Gate.ApprovalTimeout)
	configuration.Gate.PollInterval = strings.TrimSpace(configuration.Gate.PollInterval)
	configuration.Notify.WebhookURL = strings.TrimSpace(configuration.Notify.WebhookURL)
	configuration.Notify.Timeout = strings.TrimSpace(configuration.Notify.Timeout)
}

// ResolveBasePath returns the configured guardian state directory, defaulting
// to ~/.agentguard when unset.
func (configuration Config) ResolveBasePath() (string, error) {
	if configuration.Guardian.BasePath != "" {
		return configuration.Guardian.BasePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agentguard"), nil
}

// MasterPassword reads the operator master passphrase from the configured
// environment variable.
func (configuration Config) MasterPassword() (string, error) {
	envName := configuration.Guardian.MasterPasswordEnv
	if envName == "" {
		envName = defaultMasterPasswordEnv
	}
	password := strings.TrimSpace(os.Getenv(envName))
	if password == "" {
		return "", fmt.Errorf("master passphrase env %s is empty", envName)
	}
	return password, nil
}

func (configuration Config) ApprovalTimeoutDuration() (time.Duration, error) {
	return parseDurationDefault(configuration.Gate.ApprovalTimeout, defaultApprovalTimeout, "gate.approval_timeout")
}

func (configuration Config) PollIntervalDuration() (time.Duration, error) {
	return parseDurationDefault(configuration.Gate.PollInterval, defaultPollInterval, "gate.poll_interval")
}

func parseDurationDefault(value string, fallback time.Duration, field string) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return 0, fmt.Errorf("invalid %s, expected positive duration", field)
	}
	return parsed, nil
}
