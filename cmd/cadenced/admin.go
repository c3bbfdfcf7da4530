package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

// withEngine opens the configured store for a one-shot command. Run it while
// the daemon is stopped when using the file driver.
func withEngine(ctx context.Context, fn func(*app.Engine) error) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole("warn").With(logx.Component("cli"))
	eng, err := app.OpenEngine(ctx, cfg, log, eventbus.Nop())
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}

var reportJSON bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the learned model of every category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(e *app.Engine) error {
			ctx := cmd.Context()
			models, overall := e.Analyzer.Report(ctx), e.Analyzer.Overall(ctx)
			if reportJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"models": models, "overall": overall})
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CATEGORY\tREADY\tSENT\tOPEN RATE\tSCORE\tBEST HOURS")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%t\t%d\t%.2f\t%.2f\t%v\n",
					m.Category, m.Ready, m.TotalSent, m.OpenRate, m.EngagementScore, m.OptimalHours)
			}
			fmt.Fprintf(tw, "\ntotal\t%d/%d ready\t%d\t%.2f\t%.2f\t\n",
				overall.ReadyModels, overall.TotalModels, overall.TotalSent, overall.OpenRate, overall.AverageEngagement)
			return tw.Flush()
		})
	},
}

var predictWithin int

var predictCmd = &cobra.Command{
	Use:   "predict <category>",
	Short: "Show the next best delivery time for a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd.Context(), func(e *app.Engine) error {
			ctx := cmd.Context()
			st, err := e.Analyzer.Status(ctx, args[0])
			if err != nil {
				return err
			}
			at := e.Analyzer.PredictBestTime(ctx, args[0], predictWithin)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "category:   %s\n", st.Category)
			fmt.Fprintf(out, "ready:      %t (confidence %.0f%%)\n", st.Ready, st.Confidence*100)
			fmt.Fprintf(out, "best time:  %s (in %s)\n", at.Format(time.RFC3339), time.Until(at).Round(time.Minute))
			fmt.Fprintf(out, "good now:   %t\n", e.Analyzer.IsGoodTimeNow(ctx, args[0]))
			return nil
		})
	},
}

var (
	resetAll bool
	resetYes bool
)

var resetCmd = &cobra.Command{
	Use:   "reset [category]",
	Short: "Forget the learned model of one category, or all with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if resetAll == (len(args) == 1) {
			return errors.New("pass exactly one of <category> or --all")
		}
		if resetAll && !resetYes {
			fmt.Fprint(cmd.OutOrStdout(), "reset every timing model? [y/N] ")
			var answer string
			_, _ = fmt.Fscanln(cmd.InOrStdin(), &answer)
			if !strings.EqualFold(strings.TrimSpace(answer), "y") {
				return errors.New("aborted")
			}
		}
		return withEngine(cmd.Context(), func(e *app.Engine) error {
			if resetAll {
				return e.Analyzer.ResetAll(cmd.Context())
			}
			return e.Analyzer.Reset(cmd.Context(), args[0])
		})
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print JSON")
	predictCmd.Flags().IntVar(&predictWithin, "within", 24, "prediction horizon in hours")
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every category")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip confirmation")
}
