package main

import (
	"github.com/spf13/cobra"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/environment"
)

type validateOutput struct {
	Valid  bool         `json:"valid"`
	Issues []core.Issue `json:"issues"`
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate GROUP_FILE",
		Short: "Report structural problems in a condition group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := environment.ReadDocument(args[0])
			if err != nil {
				return err
			}

			issues := core.Issues(core.ValidateWithOperators(group, core.DefaultOperators(), opts.maxDepth))
			out := validateOutput{Valid: len(issues) == 0, Issues: nonNil(issues)}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !out.Valid {
				return errIssuesFound
			}
			return nil
		},
	}
}
