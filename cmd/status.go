package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-recovery/internal/api"
	"github.com/tinkerbelle-io/tb-recovery/internal/install"
	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
)

var flagStatusService bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show remediation status",
	Long: `List every tracked remediation with its state, as reported by the running
controller. With --service, show the local service installation instead.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusService, "service", false, "Show local service installation status")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if flagStatusService {
		return printServiceStatus(cmd.OutOrStdout())
	}

	ctx, cancel := apiContext(cmd)
	defer cancel()

	st, err := api.NewClient(resolveServer()).Status(ctx)
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), st)
	return nil
}

func printStatus(w io.Writer, st *remediation.Status) {
	fmt.Fprintf(w, "Total: %d  Pending approval: %d  Active: %d  Completed: %d  Failed: %d  Cancelled: %d\n",
		st.Total, st.PendingApproval, st.Active, st.Completed, st.Failed, st.Cancelled)
	if len(st.Jobs) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-36s %-24s %-10s %-10s %-26s %s\n", "ID", "POD", "DC", "RACK", "STATE", "DETECTED")
	for _, r := range st.Jobs {
		state := string(r.State)
		if r.Error != "" {
			state += " (" + r.Error + ")"
		}
		fmt.Fprintf(w, "%-36s %-24s %-10s %-10s %-26s %s\n",
			r.ID, r.PodName, r.Datacenter, r.Rack, state, r.DetectedAt.Format(time.RFC3339))
	}
}

func printServiceStatus(w io.Writer) error {
	s := install.Status()

	fmt.Fprintf(w, "Platform:   %s\n", s.Platform)
	fmt.Fprintf(w, "Binary:     %s\n", valueOrNA(s.BinaryPath))
	fmt.Fprintf(w, "Config:     %s\n", s.ConfigPath)
	fmt.Fprintf(w, "Installed:  %s\n", boolStatus(s.Installed))
	fmt.Fprintf(w, "Running:    %s\n", boolStatus(s.Running))
	fmt.Fprintf(w, "\nVersion:    %s\n", rootCmd.Version)

	// Exit code 1 if not running (useful for scripts)
	if !s.Running {
		os.Exit(1)
	}
	return nil
}

func boolStatus(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
