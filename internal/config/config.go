// Package config handles configuration for tb-recovery.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the controller looks for its config file.
const DefaultPath = "/etc/tb-recovery/config.yaml"

// Config holds all tb-recovery configuration.
type Config struct {
	Remediation RemediationConfig `yaml:"remediation"`
	Kubernetes  KubernetesConfig  `yaml:"kubernetes"`
	Store       StoreConfig       `yaml:"store"`
	Server      ServerConfig      `yaml:"server"`
	Audit       AuditConfig       `yaml:"audit"`
	Notify      NotifyConfig      `yaml:"notify"`
}

// RemediationConfig controls the control loop and its safety limits.
type RemediationConfig struct {
	Enabled                bool   `yaml:"enabled"`
	AutoPollEnabled        bool   `yaml:"auto_poll_enabled"`
	PollIntervalSeconds    int    `yaml:"poll_interval_seconds"`
	MaxConcurrentPerDC     int    `yaml:"max_concurrent_per_dc"`
	MaxConcurrentPerRack   int    `yaml:"max_concurrent_per_rack"`
	MaxReplacementsPerHour int    `yaml:"max_replacements_per_hour"` // 0 disables
	NodeCooldownMinutes    int    `yaml:"node_cooldown_minutes"`     // 0 disables
	PodLabelSelector       string `yaml:"pod_label_selector"`
}

// PollInterval returns the tick period.
func (r RemediationConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// NodeCooldown is how long other pods from a lost node wait after one of
// them has been replaced.
func (r RemediationConfig) NodeCooldown() time.Duration {
	return time.Duration(r.NodeCooldownMinutes) * time.Minute
}

type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Context    string `yaml:"context"`
}

// StoreConfig selects where remediation state is persisted.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "configmap", "bolt", "memory"
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Path      string `yaml:"path"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type AuditConfig struct {
	Path string `yaml:"path"` // empty disables the audit log
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Remediation: RemediationConfig{
			Enabled:              true,
			AutoPollEnabled:      true,
			PollIntervalSeconds:  30,
			MaxConcurrentPerDC:   1,
			MaxConcurrentPerRack: 10,
			NodeCooldownMinutes:  30,
		},
		Store: StoreConfig{
			Backend:   "configmap",
			Namespace: "default",
			Name:      "cassanova-remediation-state",
			Path:      "/var/lib/tb-recovery/state.db",
		},
		Server: ServerConfig{
			Listen: ":8080",
		},
	}
}

// Load reads the YAML file at path on top of the defaults and then applies
// TB_RECOVERY_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"TB_RECOVERY_POD_LABEL_SELECTOR": &cfg.Remediation.PodLabelSelector,
		"TB_RECOVERY_KUBECONFIG":         &cfg.Kubernetes.Kubeconfig,
		"TB_RECOVERY_KUBE_CONTEXT":       &cfg.Kubernetes.Context,
		"TB_RECOVERY_STORE_BACKEND":      &cfg.Store.Backend,
		"TB_RECOVERY_STORE_NAMESPACE":    &cfg.Store.Namespace,
		"TB_RECOVERY_STORE_NAME":         &cfg.Store.Name,
		"TB_RECOVERY_STORE_PATH":         &cfg.Store.Path,
		"TB_RECOVERY_LISTEN":             &cfg.Server.Listen,
		"TB_RECOVERY_AUDIT_PATH":         &cfg.Audit.Path,
		"TB_RECOVERY_WEBHOOK_URL":        &cfg.Notify.WebhookURL,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"TB_RECOVERY_ENABLED":   &cfg.Remediation.Enabled,
		"TB_RECOVERY_AUTO_POLL": &cfg.Remediation.AutoPollEnabled,
	}
	for key, dst := range bools {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	ints := map[string]*int{
		"TB_RECOVERY_POLL_INTERVAL_SECONDS":     &cfg.Remediation.PollIntervalSeconds,
		"TB_RECOVERY_MAX_CONCURRENT_PER_DC":     &cfg.Remediation.MaxConcurrentPerDC,
		"TB_RECOVERY_MAX_CONCURRENT_PER_RACK":   &cfg.Remediation.MaxConcurrentPerRack,
		"TB_RECOVERY_MAX_REPLACEMENTS_PER_HOUR": &cfg.Remediation.MaxReplacementsPerHour,
		"TB_RECOVERY_NODE_COOLDOWN_MINUTES":     &cfg.Remediation.NodeCooldownMinutes,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}
	return nil
}

// Validate checks limits and backend selection.
func (c *Config) Validate() error {
	r := c.Remediation
	if r.PollIntervalSeconds <= 0 {
		return fmt.Errorf("remediation.poll_interval_seconds must be positive, got %d", r.PollIntervalSeconds)
	}
	if r.MaxConcurrentPerDC <= 0 {
		return fmt.Errorf("remediation.max_concurrent_per_dc must be positive, got %d", r.MaxConcurrentPerDC)
	}
	if r.MaxConcurrentPerRack <= 0 {
		return fmt.Errorf("remediation.max_concurrent_per_rack must be positive, got %d", r.MaxConcurrentPerRack)
	}
	if r.MaxReplacementsPerHour < 0 || r.NodeCooldownMinutes < 0 {
		return fmt.Errorf("remediation rate limits must not be negative")
	}

	switch c.Store.Backend {
	case "configmap", "memory":
	case "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q (want configmap, bolt or memory)", c.Store.Backend)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	return nil
}
