package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nacionmx/nacion/internal/app/ck"
	"github.com/nacionmx/nacion/internal/domain"
)

// ─── CK CLI ─────────────────────────────────────────────────────────────────
// Operator access to CK records. Applying a CK is left to the /ck command and
// the staff API, which carry evidence and confirmation.

func init() {
	rootCmd.AddCommand(ckCmd)
	ckCmd.AddCommand(ckHistoryCmd)
	ckCmd.AddCommand(ckShowCmd)
	ckCmd.AddCommand(ckRevertCmd)
	ckCmd.AddCommand(ckResumeCmd)

	ckRevertCmd.Flags().String("actor", "", "Discord ID of the staff member reverting (required)")
	ckRevertCmd.Flags().String("reason", "", "Reason for the reversal (required)")
	ckRevertCmd.Flags().String("guild", "", "Guild ID (default: discord.guild_id)")
	_ = ckRevertCmd.MarkFlagRequired("actor")
	_ = ckRevertCmd.MarkFlagRequired("reason")

	ckResumeCmd.Flags().String("actor", "", "Discord ID of the operator resuming")
}

var ckCmd = &cobra.Command{
	Use:   "ck",
	Short: "Inspect, revert and resume character kills",
}

// ─── ck history ─────────────────────────────────────────────────────────────

var ckHistoryCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List a user's CK records, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		recs, err := rt.Service.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), args[0], recs)
		return nil
	},
}

func printHistory(w io.Writer, userID string, recs []domain.CKRecord) {
	if len(recs) == 0 {
		fmt.Fprintf(w, "No CK records for %s.\n", userID)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tTYPE\tSTATUS\tMONEY\tROLES\tBY")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.Type, r.Status,
			r.PreviousTotal(), len(r.RolesRemoved), r.AppliedBy)
	}
	tw.Flush()
}

// ─── ck show ────────────────────────────────────────────────────────────────

var ckShowCmd = &cobra.Command{
	Use:   "show RECORD_ID",
	Short: "Print one CK record with its snapshot as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		rec, err := rt.Service.Record(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// ─── ck revert ──────────────────────────────────────────────────────────────

var ckRevertCmd = &cobra.Command{
	Use:   "revert USER_ID",
	Short: "Reverse a user's latest CK",
	Long: `Restore balances, DNI, cards, companies, purchases, employments and
roles from the latest CK snapshot. Failed steps leave the record reversible
so the command can be run again.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")
		guild, _ := cmd.Flags().GetString("guild")

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()
		if guild == "" {
			guild = rt.Config.Discord.GuildID
		}

		res, err := rt.Service.Revert(cmd.Context(), ck.RevertRequest{
			GuildID: guild,
			UserID:  args[0],
			ActorID: actor,
			Reason:  reason,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if res.Reversed {
			fmt.Fprintf(out, "✅ CK reversed, %d roles restored.\n", res.RolesRestored)
		} else {
			fmt.Fprintln(out, "⚠️  Reversal incomplete; fix the failures and run it again.")
		}
		fmt.Fprint(out, res.Report.Summary())
		if !res.Reversed {
			return fmt.Errorf("%d restore steps failed", len(res.Report.Failed()))
		}
		return nil
	},
}

// ─── ck resume ──────────────────────────────────────────────────────────────

var ckResumeCmd = &cobra.Command{
	Use:   "resume RECORD_ID",
	Short: "Finish a CK left in progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		if actor == "" {
			actor = currentUser()
		}

		rt, err := openRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.Service.Resume(cmd.Context(), ck.ResumeRequest{RecordID: args[0], ActorID: actor})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Outcome: %s\n", res.Outcome)
		fmt.Fprint(out, res.Report.Summary())
		if res.Outcome != ck.OutcomeApplied {
			return fmt.Errorf("CK %s still has failed steps", args[0])
		}
		return nil
	},
}

func currentUser() string {
	if u := strings.TrimSpace(os.Getenv("USER")); u != "" {
		return "cli:" + u
	}
	return "cli"
}
