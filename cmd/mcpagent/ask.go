package main

import (
	"fmt"
	"strings"

	"github.com/effective-security/mcpagent/callbacks"
	"github.com/effective-security/mcpagent/pkg/citations"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/spf13/cobra"
)

func (c *cli) askCmd() *cobra.Command {
	var stream, verbose bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			question := strings.Join(args, " ")

			executor, err := newExecutor(c.cfg)
			if err != nil {
				return err
			}
			a, err := newAgent(ctx, c.cfg, executor)
			if err != nil {
				return err
			}

			if stream {
				mode := callbacks.ModeDefault
				if verbose {
					mode = callbacks.ModeVerbose
				}
				printer := callbacks.NewPrinter(out, mode)
				return a.Stream(ctx, question, nil).Send(ctx, callbacks.Handler(printer))
			}

			ans, err := a.Answer(ctx, question, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, ans.Text)
			if len(ans.Citations) > 0 {
				fmt.Fprintf(out, "\n%s\n", citations.Markdown(ans.Citations))
			}
			if verbose {
				fmt.Fprintf(out, "\nTool calls:\n%s\n", llmutils.ToJSONIndent(ans.ToolCalls))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "print the events of the turn as they arrive")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print tool results")
	return cmd
}
