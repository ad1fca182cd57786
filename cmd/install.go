package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-recovery/internal/config"
	"github.com/tinkerbelle-io/tb-recovery/internal/install"
	"github.com/tinkerbelle-io/tb-recovery/internal/logging"
)

var (
	flagInstallKubeconfig string
	flagInstallContext    string
	flagInstallStore      string
	flagInstallListen     string
	flagInstallAutoPoll   bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install tb-recovery as a system service",
	Long: `Install the controller as a systemd service (Linux) or launchd daemon (macOS)
for running outside the cluster.

This command:
  1. Writes a config file to /etc/tb-recovery/config.yaml
  2. Creates the state directory /var/lib/tb-recovery
  3. Creates, enables and starts the service

The service runs 'tb-recovery controller' against the given kubeconfig.`,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().StringVar(&flagInstallKubeconfig, "kubeconfig", "", "Kubeconfig the service uses")
	installCmd.Flags().StringVar(&flagInstallContext, "context", "", "Kubeconfig context")
	installCmd.Flags().StringVar(&flagInstallStore, "store", "bolt", "State backend: configmap, bolt, memory")
	installCmd.Flags().StringVar(&flagInstallListen, "listen", "127.0.0.1:8080", "HTTP API listen address")
	installCmd.Flags().BoolVar(&flagInstallAutoPoll, "auto-poll", true, "Detect failures every tick")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	logging.Setup(flagLogLevel, flagLogFormat)

	opts := install.Options{
		Kubeconfig:   flagInstallKubeconfig,
		Context:      flagInstallContext,
		StoreBackend: flagInstallStore,
		Listen:       flagInstallListen,
		AutoPoll:     flagInstallAutoPoll,
	}

	fmt.Println("Installing tb-recovery...")
	if err := install.Install(opts); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	fmt.Println("tb-recovery installed and running.")
	fmt.Printf("  Config: %s\n", config.DefaultPath)
	fmt.Printf("  Store:  %s\n", flagInstallStore)
	fmt.Printf("  API:    %s\n", flagInstallListen)
	fmt.Println("\nCheck status with: tb-recovery status --service")
	return nil
}
