package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/acuitybridge/core/pkg/artifacts"
	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/store/ledger"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Verify and export a mirrored audit log",
	}
	cmd.PersistentFlags().String("db", "", "Audit mirror DSN (sqlite path or postgres URL) (REQUIRED)")
	cmd.PersistentFlags().String("driver", string(ledger.DialectSQLite), "Audit mirror driver: sqlite or postgres")

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Restore the mirrored log and verify its hash chain",
		Long: `Restores every mirrored record and recomputes the hash chain.

Exit codes:
  0 = chain valid
  1 = chain broken or runtime error
  2 = usage error`,
		RunE: runAuditVerify,
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Export a PHI-redacted review bundle for one organization",
		RunE:  runAuditExport,
	}
	export.Flags().String("org", "", "Organization to export (REQUIRED)")
	export.Flags().String("out", "", "Write the bundle JSON here instead of stdout")
	export.Flags().String("actor", "auditor_cli", "Exporting actor recorded in the log")
	export.Flags().String("role", string(contracts.RoleAuditor), "Role of the exporting actor")
	export.Flags().String("start", "", "Window start, RFC 3339")
	export.Flags().String("end", "", "Window end, RFC 3339")
	export.Flags().Bool("archive", false, "Store a zipped evidence pack in the configured artifact backend instead of printing the bundle")

	cmd.AddCommand(verify, export)
	return cmd
}

func openMirror(cmd *cobra.Command) (*ledger.SQLLedger, error) {
	dsn, _ := cmd.Flags().GetString("db")
	driver, _ := cmd.Flags().GetString("driver")
	if dsn == "" {
		return nil, usageError{"--db is required"}
	}
	return ledger.Open(cmd.Context(), ledger.Dialect(driver), dsn)
}

// restoreMirror rebuilds the log from the mirror. Missing sequences are
// reported on stderr and left for chain verification to flag.
func restoreMirror(cmd *cobra.Command, mirror *ledger.SQLLedger, opts ...audit.Option) (*audit.Log, error) {
	log, err := mirror.Restore(cmd.Context(), opts...)
	if errors.Is(err, ledger.ErrSequenceGap) {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", color.New(color.FgYellow).Sprint("warning:"), err)
		return log, nil
	}
	return log, err
}

func runAuditVerify(cmd *cobra.Command, _ []string) error {
	mirror, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = mirror.Close() }()

	log, err := restoreMirror(cmd, mirror)
	if err != nil {
		return err
	}
	valid, brokenAt := log.VerifyChain()
	out := cmd.OutOrStdout()
	if !valid {
		_, _ = fmt.Fprintf(out, "%s %s (%d entries)\n",
			color.New(color.FgRed).Sprint("BROKEN"), audit.ChainIntegrity(valid, brokenAt), log.Len())
		return errReported
	}
	_, _ = fmt.Fprintf(out, "%s %d entries, head %s\n", color.New(color.FgGreen).Sprint("VALID"), log.Len(), log.Head())
	return nil
}

func runAuditExport(cmd *cobra.Command, _ []string) error {
	orgID, _ := cmd.Flags().GetString("org")
	if orgID == "" {
		return usageError{"--org is required"}
	}
	req := audit.ExportRequest{OrgID: orgID}
	req.ActorID, _ = cmd.Flags().GetString("actor")
	role, _ := cmd.Flags().GetString("role")
	req.ActorRole = contracts.Role(role)
	var err error
	if req.Start, err = timeFlag(cmd, "start"); err != nil {
		return err
	}
	if req.End, err = timeFlag(cmd, "end"); err != nil {
		return err
	}

	mirror, err := openMirror(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = mirror.Close() }()

	// The export itself is appended and mirrored back to the same store.
	log, err := restoreMirror(cmd, mirror, audit.WithSink(mirror))
	if err != nil {
		return err
	}

	var store artifacts.Store
	archive, _ := cmd.Flags().GetBool("archive")
	if archive {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if store, err = artifacts.NewStore(cmd.Context(), artifacts.Config{
			Backend:  artifacts.Backend(cfg.ArtifactBackend),
			Dir:      cfg.ArtifactDir,
			Bucket:   cfg.ArtifactBucket,
			Region:   cfg.ArtifactRegion,
			Endpoint: cfg.ArtifactEndpoint,
			Prefix:   cfg.ArtifactPrefix,
		}); err != nil {
			return err
		}
	}
	exporter := audit.NewExporter(log, store)

	if archive {
		ref, err := exporter.Archive(cmd.Context(), req)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "evidence pack stored: %s\n", ref)
		return nil
	}

	bundle, err := exporter.Export(cmd.Context(), req)
	if err != nil {
		return err
	}
	return writeBundle(cmd, bundle)
}

func writeBundle(cmd *cobra.Command, bundle audit.ExportBundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	data = append(data, '\n')

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d entries to %s (chain %s)\n",
		bundle.ExportMetadata.EntryCount, out, bundle.ExportMetadata.ChainIntegrity)
	return nil
}

func timeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	v, _ := cmd.Flags().GetString(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, usageError{fmt.Sprintf("--%s: %v", name, err)}
	}
	return t, nil
}
