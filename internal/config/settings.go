// Package config loads subctl settings files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendGateway = "gateway"
	BackendLocal   = "local"
)

// Environment variables that override file settings.
const (
	EnvGatewayToken = "SUBCTL_GATEWAY_TOKEN"
	EnvGatewayURL   = "SUBCTL_GATEWAY_URL"
	EnvRegistryDSN  = "SUBCTL_REGISTRY_DSN"
)

// Settings holds merged configuration from multiple sources.
// Later sources override earlier ones (user < project < local).
type Settings struct {
	RegistryDSN string `json:"registryDsn,omitempty" yaml:"registryDsn,omitempty"`
	StoreDir    string `json:"storeDir,omitempty" yaml:"storeDir,omitempty"`

	Backend      string `json:"backend,omitempty" yaml:"backend,omitempty"`
	GatewayURL   string `json:"gatewayUrl,omitempty" yaml:"gatewayUrl,omitempty"`
	GatewayToken string `json:"gatewayToken,omitempty" yaml:"gatewayToken,omitempty"`

	// Local backend model settings.
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens    int64  `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	MaxTurns     int    `json:"maxTurns,omitempty" yaml:"maxTurns,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`

	AuthorizedSenders []string `json:"authorizedSenders,omitempty" yaml:"authorizedSenders,omitempty"`
	PolicyFile        string   `json:"policyFile,omitempty" yaml:"policyFile,omitempty"`

	RecencyWindowMinutes int `json:"recencyWindowMinutes,omitempty" yaml:"recencyWindowMinutes,omitempty"`
	SendTimeoutSeconds   int `json:"sendTimeoutSeconds,omitempty" yaml:"sendTimeoutSeconds,omitempty"`
	CallTimeoutSeconds   int `json:"callTimeoutSeconds,omitempty" yaml:"callTimeoutSeconds,omitempty"`
	HistoryLimit         int `json:"historyLimit,omitempty" yaml:"historyLimit,omitempty"`
	ReapIntervalSeconds  int `json:"reapIntervalSeconds,omitempty" yaml:"reapIntervalSeconds,omitempty"`

	ListenAddr string `json:"listenAddr,omitempty" yaml:"listenAddr,omitempty"`
	LogLevel   string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
}

// Defaults returns the settings used when no file sets a field.
func Defaults() *Settings {
	return &Settings{
		RegistryDSN:         filepath.Join(".subctl", "runs.db"),
		StoreDir:            filepath.Join(".subctl", "sessions"),
		Backend:             BackendLocal,
		ListenAddr:          "127.0.0.1:8787",
		ReapIntervalSeconds: 60,
		LogLevel:            "info",
	}
}

// LoadSettings merges Defaults with the settings files at paths, in order.
// Missing files are skipped; unreadable or malformed files are errors.
// Environment overrides are applied last.
func LoadSettings(paths ...string) (*Settings, error) {
	merged := Defaults()
	for _, path := range paths {
		s, err := loadSettingsFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		mergeSettings(merged, s)
	}
	merged.applyEnv(os.Getenv)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// DefaultSettingsPaths returns the standard settings file search paths.
func DefaultSettingsPaths(projectDir string) []string {
	var paths []string
	if home, _ := os.UserHomeDir(); home != "" {
		paths = append(paths,
			filepath.Join(home, ".subctl", "settings.yaml"),
			filepath.Join(home, ".subctl", "settings.json"),
		)
	}
	if projectDir != "" {
		paths = append(paths,
			filepath.Join(projectDir, ".subctl", "settings.yaml"),
			filepath.Join(projectDir, ".subctl", "settings.json"),
			filepath.Join(projectDir, ".subctl", "settings.local.yaml"),
		)
	}
	return paths
}

// Validate checks field values that cannot be defaulted.
func (s *Settings) Validate() error {
	switch s.Backend {
	case BackendLocal:
	case BackendGateway:
		if s.GatewayURL == "" {
			return errors.New("config: gateway backend requires gatewayUrl")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", s.Backend)
	}
	for name, v := range map[string]int{
		"recencyWindowMinutes": s.RecencyWindowMinutes,
		"sendTimeoutSeconds":   s.SendTimeoutSeconds,
		"callTimeoutSeconds":   s.CallTimeoutSeconds,
		"historyLimit":         s.HistoryLimit,
		"reapIntervalSeconds":  s.ReapIntervalSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	return nil
}

// RecencyWindow is zero when unset.
func (s *Settings) RecencyWindow() time.Duration {
	return time.Duration(s.RecencyWindowMinutes) * time.Minute
}

// SendTimeout is zero when unset.
func (s *Settings) SendTimeout() time.Duration {
	return time.Duration(s.SendTimeoutSeconds) * time.Second
}

// CallTimeout is zero when unset.
func (s *Settings) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

// ReapInterval is zero when unset.
func (s *Settings) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalSeconds) * time.Second
}

func (s *Settings) applyEnv(getenv func(string) string) {
	if v := getenv(EnvGatewayToken); v != "" {
		s.GatewayToken = v
	}
	if v := getenv(EnvGatewayURL); v != "" {
		s.GatewayURL = v
	}
	if v := getenv(EnvRegistryDSN); v != "" {
		s.RegistryDSN = v
	}
}

func loadSettingsFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Settings
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &s)
	default:
		err = json.Unmarshal(data, &s)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &s, nil
}

func mergeSettings(dst, src *Settings) {
	setString(&dst.RegistryDSN, src.RegistryDSN)
	setString(&dst.StoreDir, src.StoreDir)
	setString(&dst.Backend, src.Backend)
	setString(&dst.GatewayURL, src.GatewayURL)
	setString(&dst.GatewayToken, src.GatewayToken)
	setString(&dst.Model, src.Model)
	setString(&dst.SystemPrompt, src.SystemPrompt)
	setString(&dst.PolicyFile, src.PolicyFile)
	setString(&dst.ListenAddr, src.ListenAddr)
	setString(&dst.LogLevel, src.LogLevel)
	if src.MaxTokens > 0 {
		dst.MaxTokens = src.MaxTokens
	}
	setInt(&dst.MaxTurns, src.MaxTurns)
	setInt(&dst.RecencyWindowMinutes, src.RecencyWindowMinutes)
	setInt(&dst.SendTimeoutSeconds, src.SendTimeoutSeconds)
	setInt(&dst.CallTimeoutSeconds, src.CallTimeoutSeconds)
	setInt(&dst.HistoryLimit, src.HistoryLimit)
	setInt(&dst.ReapIntervalSeconds, src.ReapIntervalSeconds)
	if len(src.AuthorizedSenders) > 0 {
		dst.AuthorizedSenders = src.AuthorizedSenders
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
