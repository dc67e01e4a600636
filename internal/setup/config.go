// Package setup turns configuration into a provisioned competition: teams,
// services, ctf.json, infrastructure scripts and the resulting addresses.
package setup

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/ad-ctf-simulator/model"
)

// ErrConfig marks invalid or missing configuration. It is fatal: no round
// runs with a configuration that fails validation.
var ErrConfig = errors.New("invalid configuration")

// Environment variables naming the default config and secrets files.
const (
	EnvConfigPath  = "ENOSIMULATOR_CONFIG"
	EnvSecretsPath = "ENOSIMULATOR_SECRETS"
)

const maxTeams = 100

// Config is the simulation configuration file.
type Config struct {
	Setup    SetupConfig    `mapstructure:"setup"`
	Settings SettingsConfig `mapstructure:"settings"`
	CtfJSON  CtfJSONConfig  `mapstructure:"ctf-json"`
}

type SetupConfig struct {
	SSHConfigPath     string            `mapstructure:"ssh-config-path"`
	Location          string            `mapstructure:"location"`
	VMSizes           map[string]string `mapstructure:"vm-sizes"`
	VMImageReferences map[string]string `mapstructure:"vm-image-references"`
}

type SettingsConfig struct {
	DurationInMinutes int      `mapstructure:"duration-in-minutes"`
	Teams             int      `mapstructure:"teams"`
	Services          []string `mapstructure:"services"`
	CheckerPorts      []int    `mapstructure:"checker-ports"`
	SimulationType    string   `mapstructure:"simulation-type"`
	Vulnboxes         int      `mapstructure:"vulnboxes"`
	// LocalAddresses maps host names to addresses for the local backend.
	LocalAddresses map[string]string `mapstructure:"local-addresses"`
}

type CtfJSONConfig struct {
	Title                 string `mapstructure:"title"`
	FlagValidityInRounds  int    `mapstructure:"flag-validity-in-rounds"`
	CheckedRoundsPerRound int    `mapstructure:"checked-rounds-per-round"`
	RoundLengthInSeconds  int    `mapstructure:"round-length-in-seconds"`
}

// Secrets is the secrets file.
type Secrets struct {
	VMSecrets    VMSecrets    `mapstructure:"vm-secrets"`
	CloudSecrets CloudSecrets `mapstructure:"cloud-secrets"`
}

type VMSecrets struct {
	GithubPersonalAccessToken string `mapstructure:"github-personal-access-token"`
	SSHPublicKeyPath          string `mapstructure:"ssh-public-key-path"`
	SSHPrivateKeyPath         string `mapstructure:"ssh-private-key-path"`
}

type CloudSecrets struct {
	AzureServicePrincipal map[string]string `mapstructure:"azure-service-principal"`
	HetznerAPIToken       string            `mapstructure:"hetzner-api-token"`
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (*Config, error) {
	var c Config
	if err := readJSON(path, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadSecrets reads and validates a JSON secrets file.
func LoadSecrets(path string) (*Secrets, error) {
	var s Secrets
	if err := readJSON(path, &s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func readJSON(path string, dst any) error {
	if path == "" {
		return fmt.Errorf("%w: no file given", ErrConfig)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrConfig, path, err)
	}
	if err := v.Unmarshal(dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrConfig, path, err)
	}
	return nil
}

// ResolvePath returns flagValue, or the path named by env when the flag is
// empty.
func ResolvePath(flagValue, env string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(env)
}

// Validate checks field presence, ranges and enum values.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Setup.SSHConfigPath == "" {
		add("setup.ssh-config-path is required")
	}
	if _, err := model.ParseSetupVariant(c.Setup.Location); err != nil {
		add("setup.location: %v", err)
	}

	s := c.Settings
	if s.DurationInMinutes < 1 {
		add("settings.duration-in-minutes must be at least 1")
	}
	if s.Teams < 1 || s.Teams > maxTeams {
		add("settings.teams must be between 1 and %d", maxTeams)
	}
	if len(s.Services) == 0 {
		add("settings.services must not be empty")
	}
	if len(s.CheckerPorts) != len(s.Services) {
		add("settings.checker-ports needs one port per service (%d ports, %d services)", len(s.CheckerPorts), len(s.Services))
	}
	for _, p := range s.CheckerPorts {
		if p < 1 || p > 65535 {
			add("settings.checker-ports: %d is not a valid port", p)
		}
	}
	if _, err := model.ParseSimulationType(s.SimulationType); err != nil {
		add("settings.simulation-type: %v", err)
	}
	if s.Vulnboxes < 1 {
		add("settings.vulnboxes must be at least 1")
	}

	if c.CtfJSON.Title == "" {
		add("ctf-json.title is required")
	}
	if c.CtfJSON.RoundLengthInSeconds < 1 {
		add("ctf-json.round-length-in-seconds must be at least 1")
	}
	if c.CtfJSON.FlagValidityInRounds < 0 || c.CtfJSON.CheckedRoundsPerRound < 0 {
		add("ctf-json round counts must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the validated setup variant.
func (c *Config) Location() model.SetupVariant {
	v, _ := model.ParseSetupVariant(c.Setup.Location)
	return v
}

// SimulationType returns the validated simulation type.
func (c *Config) SimulationType() model.SimulationType {
	t, _ := model.ParseSimulationType(c.Settings.SimulationType)
	return t
}

// RoundLength is the configured round length.
func (c *Config) RoundLength() time.Duration {
	return time.Duration(c.CtfJSON.RoundLengthInSeconds) * time.Second
}

// Validate checks the secrets every backend needs.
func (s *Secrets) Validate() error {
	if s.VMSecrets.SSHPrivateKeyPath == "" {
		return fmt.Errorf("%w: vm-secrets.ssh-private-key-path is required", ErrConfig)
	}
	return nil
}

// validateFor checks the backend-specific secrets.
func (s *Secrets) validateFor(v model.SetupVariant) error {
	switch v {
	case model.SetupAzure:
		for _, key := range []string{"subscription-id", "client-id", "client-secret", "tenant-id"} {
			if s.CloudSecrets.AzureServicePrincipal[key] == "" {
				return fmt.Errorf("%w: cloud-secrets.azure-service-principal.%s is required", ErrConfig, key)
			}
		}
	case model.SetupHetzner:
		if s.CloudSecrets.HetznerAPIToken == "" {
			return fmt.Errorf("%w: cloud-secrets.hetzner-api-token is required", ErrConfig)
		}
	}
	return nil
}
