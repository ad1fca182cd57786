package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-recovery/internal/audit"
	"github.com/tinkerbelle-io/tb-recovery/internal/config"
)

var flagAuditFile string

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the operator audit trail",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the audit log hash chain",
	Long: `Re-compute the hash chain of the audit log and report the first entry that
does not match. The file defaults to audit.path from the config.`,
	Args: cobra.NoArgs,
	RunE: runAuditVerify,
}

func init() {
	auditVerifyCmd.Flags().StringVar(&flagAuditFile, "file", "", "Audit log to verify (default: audit.path from config)")
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := resolveAuditPath()
	if err != nil {
		return err
	}

	n, err := audit.Verify(path)
	if err != nil {
		return fmt.Errorf("%s: %w (%d valid entries before the break)", path, err, n)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", path, n)
	return nil
}

func resolveAuditPath() (string, error) {
	if flagAuditFile != "" {
		return flagAuditFile, nil
	}
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return "", err
	}
	if cfg.Audit.Path != "" {
		return cfg.Audit.Path, nil
	}
	return audit.DefaultPath, nil
}
