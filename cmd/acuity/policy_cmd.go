package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/acuitybridge/core/pkg/policy"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Partner policy tooling",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Load and validate a partner policy file",
		Long: `Checks the document schema_version, validates the document against the
embedded JSON Schema and then validates every policy it contains.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return usageError{"policy validate takes exactly one file"}
			}
			return nil
		},
		RunE: runPolicyValidate,
	})
	return cmd
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	policies, err := policy.LoadFile(args[0])
	if err != nil {
		_, _ = fmt.Fprintf(out, "%s %s\n  %v\n", color.New(color.FgRed).Sprint("INVALID"), args[0], err)
		return errReported
	}

	_, _ = fmt.Fprintf(out, "%s %s (%d policies)\n", color.New(color.FgGreen).Sprint("VALID"), args[0], len(policies))
	for _, p := range policies {
		_, _ = fmt.Fprintf(out, "  %-20s sla=%ds targets=%d consent=%s\n",
			p.OrgID, p.ClinicianAckSLASeconds, len(p.CrisisResourceTargets), p.ConsentModel)
	}
	return nil
}
