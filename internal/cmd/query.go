package cmd

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/aletheia/memory"
)

var (
	queryAgent         string
	queryDepth         string
	queryRelated       []string
	queryWindowDays    int
	queryRange         string
	querySource        string
	queryMinConfidence float64
	queryNoMetadata    bool
)

var queryCmd = &cobra.Command{
	Use:   "query <topic>",
	Short: "Query a running server for the context on a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "query")
		defer span.End()

		req := memory.QueryRequest{
			Agent:          queryAgent,
			Topic:          args[0],
			Topics:         queryRelated,
			TimeWindowDays: queryWindowDays,
			Range:          queryRange,
			Depth:          memory.Depth(queryDepth),
			Filters: memory.QueryFilters{
				Source:        memory.Source(querySource),
				MinConfidence: queryMinConfidence,
			},
		}
		if queryRange != "" && !cmd.Flags().Changed("window-days") {
			req.TimeWindowDays = 0
		}
		if queryNoMetadata {
			include := false
			req.Filters.IncludeMetadata = &include
		}

		var resp memory.QueryResponse
		if err := newAPIClient().do(ctx, http.MethodPost, "/v1/context/query", req, &resp); err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outFormat, resp)
	},
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&queryAgent, "agent", "cli", "agent name recorded with the query")
	f.StringVar(&queryDepth, "depth", string(memory.DepthSummary), "summary or detailed")
	f.StringSliceVar(&queryRelated, "related", nil, "related topics to include")
	f.IntVar(&queryWindowDays, "window-days", memory.DefaultTimeWindowDays, "only include context from the last N days")
	f.StringVar(&queryRange, "range", "", `absolute date range, "2025-07-01 to 2025-10-01" (replaces the default window)`)
	f.StringVar(&querySource, "source", "", "filter by source (user_comments, agent_outputs, documents)")
	f.Float64Var(&queryMinConfidence, "min-confidence", 0, "drop entries scoring and summaries weighing below this")
	f.BoolVar(&queryNoMetadata, "no-metadata", false, "strip metadata from the response")
	rootCmd.AddCommand(queryCmd)
}
