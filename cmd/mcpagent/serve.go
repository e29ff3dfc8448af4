package main

import (
	"github.com/effective-security/mcpagent/server"
	"github.com/spf13/cobra"
)

func (c *cli) serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			executor, err := newExecutor(c.cfg)
			if err != nil {
				return err
			}
			a, err := newAgent(ctx, c.cfg, executor)
			if err != nil {
				return err
			}
			hs, closeStore, err := newStore(c.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if listen == "" {
				listen = c.cfg.Server.ListenURL
			}
			return server.New(a, server.WithStore(hs)).ListenAndServe(ctx, listen)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides the configuration")
	return cmd
}
