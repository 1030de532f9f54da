package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/aletheia/memory"
	"github.com/becomeliminal/aletheia/memory/queue/sqlite"
)

var (
	historyLimit int
	historyLocal bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent refresh runs",
	Long: `List recent refresh runs, oldest first.

By default the running server is asked for its in-memory history. With
--local the persisted history is read from the SQLite database instead,
which works while the server is down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "history")
		defer span.End()

		var runs []memory.RefreshStatus
		if historyLocal {
			q, err := sqlite.Open(cfg.Queue.Path)
			if err != nil {
				return err
			}
			defer q.Close()
			if runs, err = q.History(ctx, historyLimit); err != nil {
				return err
			}
		} else {
			var out struct {
				Runs []memory.RefreshStatus `json:"runs"`
			}
			path := fmt.Sprintf("/v1/refresh/history?limit=%d", historyLimit)
			if err := newAPIClient().do(ctx, http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			runs = out.Runs
		}
		if runs == nil {
			runs = []memory.RefreshStatus{}
		}
		return render(cmd.OutOrStdout(), outFormat, runs)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tier sizes of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "stats")
		defer span.End()

		var stats memory.Stats
		if err := newAPIClient().do(ctx, http.MethodGet, "/v1/stats", nil, &stats); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outFormat, stats)
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyLocal, "local", false, "read persisted history from the SQLite database")
	rootCmd.AddCommand(historyCmd, statsCmd)
}
