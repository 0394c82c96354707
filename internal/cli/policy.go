package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nacionmx/nacion/internal/daemon"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyCheckCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the role policy applied by CKs",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective role policy, defaults included",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFrom(cmd)
		p, err := daemon.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", cfg.PolicyFile, out)
		return nil
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Validate a policy file before deploying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		p, err := daemon.ParsePolicy(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Policy %s OK: %d protected roles, %d keywords, %d force-removed, cooldown %s\n",
			p.Version, len(p.ProtectedRoleIDs), len(p.ProtectedKeywords), len(p.ForceRemoveRoleIDs), p.Cooldown)
		return nil
	},
}
