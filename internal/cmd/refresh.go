package cmd

import (
	"errors"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/aletheia/memory"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a refresh on a running server and print its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "refresh")
		defer span.End()

		var status memory.RefreshStatus
		if err := newAPIClient().do(ctx, http.MethodPost, "/v1/refresh", nil, &status); err != nil {
			return err
		}
		if err := render(cmd.OutOrStdout(), outFormat, status); err != nil {
			return err
		}
		if !status.Success {
			return errors.New("refresh failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}
