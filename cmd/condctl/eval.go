package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/environment"
)

var errWatchNeedsEnv = errors.New("--watch requires --env")

type evalOutput struct {
	Result bool        `json:"result"`
	Issues []core.Issue `json:"issues"`
}

func newEvalCommand(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "eval GROUP_FILE",
		Short: "Evaluate a condition group against the environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := environment.ReadDocument(args[0])
			if err != nil {
				return err
			}

			s, err := opts.newSession(cmd)
			if err != nil {
				return err
			}
			if !watch {
				if err := s.eval(cmd, group); err != nil {
					return err
				}
				return s.finish()
			}

			if opts.envFile == "" {
				return errWatchNeedsEnv
			}
			if err := s.eval(cmd, group); err != nil {
				return err
			}
			return environment.Watch(cmd.Context(), opts.envFile, func(snapshot environment.Snapshot, err error) {
				if err != nil {
					s.log.Error("reload environment", "file", opts.envFile, "error", err)
					return
				}
				next := opts.sessionFor(snapshot, s.log)
				if err := next.eval(cmd, group); err != nil {
					s.log.Error("evaluate", "error", err)
				}
			}, environment.WithWatchLogger(s.log))
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-evaluate whenever the environment file changes")
	return cmd
}

func (s *session) eval(cmd *cobra.Command, group any) error {
	result := s.evaluator().Evaluate(contextOf(cmd), group)
	return writeJSON(cmd.OutOrStdout(), evalOutput{Result: result, Issues: nonNil(s.issues)})
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
