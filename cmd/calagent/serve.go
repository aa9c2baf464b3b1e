package main

import (
	"github.com/spf13/cobra"

	"github.com/fitsched/calagent/pkg/server"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the query API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			rt, err := buildRuntime(log)
			if err != nil {
				return err
			}
			defer rt.Close()

			return server.New(rt, log).Run(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8000", "Listen address")
	return cmd
}
