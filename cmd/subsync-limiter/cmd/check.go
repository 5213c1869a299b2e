package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/subsync/subsync-limiter/internal/domain/admission"
	"github.com/subsync/subsync-limiter/internal/domain/ratelimit"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and list the effective rules",
	Long: `Load and validate the configuration, compile every rule's match
expression and configure the limiter exactly as "start" would, then print the
effective rules. Exits non-zero on the first problem found.

Examples:
  subsync-limiter check
  subsync-limiter --config ./staging.yaml check`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&devMode, "dev", false, "Apply development mode defaults before checking")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidatedConfig()
	if err != nil {
		return err
	}

	g, err := buildGate(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer g.telemetry.Shutdown(context.Background())

	printRules(cmd.OutOrStdout(), g.admission.Rules())
	return nil
}

// printRules writes one line per rule with its derived limiter parameters.
func printRules(w io.Writer, rules []admission.Rule) {
	if len(rules) == 0 {
		fmt.Fprintln(w, "No rules configured: every request is admitted.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RULE\tKEY BY\tRATE/S\tINTERVAL\tTOLERANCE\tBURST\tMATCH")
	for _, r := range rules {
		cfg, err := ratelimit.NewConfig(r.PermitsPerSecond, r.Tolerance)
		if err != nil {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t%s\n", r.Name, r.KeyBy, err)
			continue
		}
		match := r.Match
		if match == "" {
			match = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%g\t%s\t%s\t%d\t%s\n",
			r.Name, r.KeyBy, r.PermitsPerSecond, cfg.EmissionInterval(), cfg.Tolerance(), cfg.Burst(), match)
	}
	_ = tw.Flush()
}
