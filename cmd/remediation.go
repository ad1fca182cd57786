package cmd

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-recovery/internal/api"
)

var flagApprovedBy string

var approveCmd = &cobra.Command{
	Use:   "approve <remediation-id>",
	Short: "Approve a pending remediation",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprove,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <remediation-id>",
	Short: "Cancel an unfinished remediation",
	Long: `Cancel a remediation that has not completed. A governor slot it holds is
released and any replacement task it created is deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run failure detection now",
	Long:  `Ask the controller to detect failures immediately instead of waiting for the next tick.`,
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

var enabledCmd = &cobra.Command{
	Use:   "enabled",
	Short: "Show whether the controller loop is enabled",
	Args:  cobra.NoArgs,
	RunE:  runEnabled,
}

func init() {
	approveCmd.Flags().StringVar(&flagApprovedBy, "by", "", "Approver recorded on the remediation (default: current user)")
	rootCmd.AddCommand(approveCmd, cancelCmd, scanCmd, enabledCmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	ctx, cancel := apiContext(cmd)
	defer cancel()

	resp, err := api.NewClient(resolveServer()).Approve(ctx, args[0], resolveApprover())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.RemediationID, resp.Status)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := apiContext(cmd)
	defer cancel()

	resp, err := api.NewClient(resolveServer()).Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", resp.RemediationID, resp.Status)
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := apiContext(cmd)
	defer cancel()

	resp, err := api.NewClient(resolveServer()).Scan(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d new remediation(s)\n", resp.Status, resp.Detected)
	return nil
}

func runEnabled(cmd *cobra.Command, args []string) error {
	ctx, cancel := apiContext(cmd)
	defer cancel()

	resp, err := api.NewClient(resolveServer()).Enabled(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enabled: %t\nauto_poll_enabled: %t\n", resp.Enabled, resp.AutoPollEnabled)
	return nil
}

func apiContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 30*time.Second)
}

// resolveApprover returns --by, else the local user name.
func resolveApprover() string {
	if flagApprovedBy != "" {
		return flagApprovedBy
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "operator"
}
