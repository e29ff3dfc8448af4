package main

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/mcpagent/pkg/schema"
	"github.com/spf13/cobra"
)

type toolInfo struct {
	Name        string         `json:"name" yaml:"name" toml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty" toml:"parameters,omitempty"`
}

func (c *cli) toolsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the discovered tools",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			executor, err := newExecutor(c.cfg)
			if err != nil {
				return err
			}
			list, err := executor.ListTools(ctx)
			if err != nil {
				return err
			}

			infos := make([]toolInfo, 0, len(list))
			for _, t := range list {
				if t.Function == nil {
					continue
				}
				params, err := schema.ToMap(t.Function.Parameters)
				if err != nil {
					return err
				}
				infos = append(infos, toolInfo{
					Name:        t.Function.Name,
					Description: t.Function.Description,
					Parameters:  params,
				})
			}

			var res string
			switch strings.ToLower(output) {
			case "json":
				res = llmutils.ToJSONIndent(infos)
			case "yaml":
				res = llmutils.ToYAML(infos)
			case "toml":
				res, err = llmutils.ToTOML(map[string]any{"tools": infos})
				if err != nil {
					return err
				}
			default:
				return errors.Newf("unsupported output format: %s", output)
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(res, "\n"))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json, yaml or toml")
	return cmd
}
