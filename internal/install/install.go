// Package install registers tb-recovery as a host service for running the
// controller outside the cluster against a kubeconfig.
package install

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/tinkerbelle-io/tb-recovery/internal/config"
)

const (
	// DefaultConfigDir is the base config directory.
	DefaultConfigDir = "/etc/tb-recovery"
	// DefaultStateDir holds the bolt state file and audit log.
	DefaultStateDir = "/var/lib/tb-recovery"
	// ServiceName is the service name for systemd/launchd.
	ServiceName = "tb-recovery"
)

// Options are the install-time choices written into the config file.
type Options struct {
	Kubeconfig   string
	Context      string
	StoreBackend string
	Listen       string
	AutoPoll     bool
}

// ServiceStatus holds the current state of the installed service.
type ServiceStatus struct {
	Installed  bool
	Running    bool
	BinaryPath string
	ConfigPath string
	Platform   string
}

// BinaryPath returns the absolute path of the currently running binary.
func BinaryPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable path: %w", err)
	}
	return filepath.EvalSymlinks(exe)
}

// BuildConfig turns install options into a full controller config.
func BuildConfig(opts Options) *config.Config {
	cfg := config.Default()
	cfg.Kubernetes.Kubeconfig = opts.Kubeconfig
	cfg.Kubernetes.Context = opts.Context
	cfg.Remediation.AutoPollEnabled = opts.AutoPoll
	if opts.StoreBackend != "" {
		cfg.Store.Backend = opts.StoreBackend
	}
	cfg.Store.Path = filepath.Join(DefaultStateDir, "state.db")
	cfg.Audit.Path = filepath.Join(DefaultStateDir, "audit.log")
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	return cfg
}

// WriteConfig writes cfg as YAML to path.
func WriteConfig(path string, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, out, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Install writes the config and registers the service for the current platform.
func Install(opts Options) error {
	binPath, err := BinaryPath()
	if err != nil {
		return err
	}

	if err := WriteConfig(config.DefaultPath, BuildConfig(opts)); err != nil {
		return err
	}
	if err := os.MkdirAll(DefaultStateDir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	switch runtime.GOOS {
	case "linux":
		return installSystemd(binPath)
	case "darwin":
		return installLaunchd(binPath)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Uninstall removes the service. If purge is true, also removes config and state.
func Uninstall(purge bool) error {
	switch runtime.GOOS {
	case "linux":
		uninstallSystemd()
	case "darwin":
		uninstallLaunchd()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if !purge {
		return nil
	}
	if err := os.RemoveAll(DefaultConfigDir); err != nil {
		return err
	}
	return os.RemoveAll(DefaultStateDir)
}

// Status returns the current service status.
func Status() ServiceStatus {
	s := ServiceStatus{
		Platform:   runtime.GOOS,
		ConfigPath: config.DefaultPath,
	}
	if binPath, err := BinaryPath(); err == nil {
		s.BinaryPath = binPath
	}
	_, err := os.Stat(config.DefaultPath)
	s.Installed = err == nil

	switch runtime.GOOS {
	case "linux":
		s.Running = exec.Command("systemctl", "is-active", "--quiet", ServiceName).Run() == nil
	case "darwin":
		s.Running = exec.Command("launchctl", "list", launchdLabel).Run() == nil
	}
	return s
}

func runCommand(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
