package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(a *app) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove chunks that were never committed",
		Long: `Removes chunks older than the retention window. By default the
running server is asked to sweep. With --offline the bolt database in
data_dir is opened directly, which requires the server to be stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				reaped int
				err    error
			)
			if offline {
				reaped, err = sweepOffline(cmd.Context(), a.cfg)
			} else {
				reaped, err = a.client().SweepExpired(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d chunks\n", reaped)
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "sweep the local database instead of the server")
	return cmd
}
