package install

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinkerbelle-io/tb-recovery/internal/config"
)

const (
	systemdUnitPath = "/etc/systemd/system/tb-recovery.service"
	launchdLabel    = "io.tinkerbelle.tb-recovery"
)

// SystemdUnit generates the systemd unit file content.
func SystemdUnit(binPath string) string {
	return fmt.Sprintf(`[Unit]
Description=TinkerBelle Cassandra node recovery controller
Documentation=https://github.com/tinkerbelle-io/tb-recovery
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%s controller --config %s
Restart=always
RestartSec=10

# Security hardening
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
ReadWritePaths=%s
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`, binPath, config.DefaultPath, DefaultStateDir)
}

func installSystemd(binPath string) error {
	if err := os.WriteFile(systemdUnitPath, []byte(SystemdUnit(binPath)), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := runCommand("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := runCommand("systemctl", "enable", "--now", ServiceName); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}
	return nil
}

func uninstallSystemd() {
	_ = runCommand("systemctl", "disable", "--now", ServiceName)
	_ = os.Remove(systemdUnitPath)
	_ = runCommand("systemctl", "daemon-reload")
}

// launchdPlistPath uses the system-wide location when running as root.
func launchdPlistPath() string {
	if os.Getuid() == 0 {
		return "/Library/LaunchDaemons/" + launchdLabel + ".plist"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
}

// LaunchdPlist generates the launchd plist file content.
func LaunchdPlist(binPath string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>controller</string>
        <string>--config</string>
        <string>%s</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>/var/log/tb-recovery.err</string>
</dict>
</plist>
`, launchdLabel, binPath, config.DefaultPath)
}

func installLaunchd(binPath string) error {
	plistPath := launchdPlistPath()
	if err := os.MkdirAll(filepath.Dir(plistPath), 0755); err != nil {
		return fmt.Errorf("create plist dir: %w", err)
	}
	if err := os.WriteFile(plistPath, []byte(LaunchdPlist(binPath)), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if err := runCommand("launchctl", "load", plistPath); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}
	return nil
}

func uninstallLaunchd() {
	plistPath := launchdPlistPath()
	_ = runCommand("launchctl", "unload", plistPath)
	_ = os.Remove(plistPath)
}
