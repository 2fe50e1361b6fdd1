package main

import (
	"github.com/spf13/cobra"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/environment"
)

type resolveOutput struct {
	Value  any          `json:"value"`
	Issues []core.Issue `json:"issues"`
}

func newResolveCommand(opts *globalOptions) *cobra.Command {
	var single bool

	cmd := &cobra.Command{
		Use:   "resolve FILE",
		Short: "Replace dynamic values in a configuration tree",
		Long: `Resolve walks a configuration tree and replaces every dynamicValue
descriptor with the value it points at. With --value the file holds a
single descriptor instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := environment.ReadDocument(args[0])
			if err != nil {
				return err
			}

			s, err := opts.newSession(cmd)
			if err != nil {
				return err
			}

			r := s.resolver()
			var value any
			if single {
				value = r.Resolve(contextOf(cmd), doc)
			} else {
				value = r.Process(contextOf(cmd), doc)
			}
			if err := writeJSON(cmd.OutOrStdout(), resolveOutput{Value: value, Issues: nonNil(s.issues)}); err != nil {
				return err
			}
			return s.finish()
		},
	}
	cmd.Flags().BoolVar(&single, "value", false, "treat the file as a single dynamic value descriptor")
	return cmd
}
