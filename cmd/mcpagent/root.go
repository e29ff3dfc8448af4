package main

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "cmd")

var logLevels = map[string]xlog.LogLevel{
	"error":   xlog.ERROR,
	"warning": xlog.WARNING,
	"info":    xlog.INFO,
	"debug":   xlog.DEBUG,
}

type cli struct {
	cfgFile  string
	logLevel string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "mcpagent",
		Short:         "LLM agent with MCP tools",
		Long:          `mcpagent answers questions with an LLM, calling the tools discovered from MCP servers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, ok := logLevels[strings.ToLower(c.logLevel)]
			if !ok {
				return errors.Newf("invalid log level: %s", c.logLevel)
			}
			xlog.SetFormatter(xlog.NewStringFormatter(cmd.ErrOrStderr()))
			xlog.SetGlobalLogLevel(level)

			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.cfgFile, "cfg", "", "configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "error", "log level (error, warning, info, debug)")

	root.AddCommand(
		c.serveCmd(),
		c.askCmd(),
		c.toolsCmd(),
	)
	return root
}
