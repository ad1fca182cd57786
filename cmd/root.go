package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-recovery/internal/config"
)

const defaultServerURL = "http://localhost:8080"

var (
	// Flags
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagServer    string
)

var rootCmd = &cobra.Command{
	Use:   "tb-recovery",
	Short: "Cassandra node recovery controller",
	Long: `tb-recovery watches k8ssandra-managed Cassandra pods that are stuck Pending
because their volumes are pinned to a node that is gone. Each failure becomes a
remediation that waits for operator approval, then clears the stale finalizers
and schedules a K8ssandraTask replacenode, one datacenter at a time.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath, "Config file path")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format: text, json")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Controller API URL for operator commands (env: TB_RECOVERY_SERVER)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tb-recovery %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveServer returns the API URL from flag or environment.
func resolveServer() string {
	if flagServer != "" {
		return flagServer
	}
	if v, ok := os.LookupEnv("TB_RECOVERY_SERVER"); ok && v != "" {
		return v
	}
	return defaultServerURL
}
