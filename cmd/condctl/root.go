package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/matt-riley/condz/internal/callable"
	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/environment"
	"github.com/matt-riley/condz/internal/logging"
)

// errIssuesFound makes the process exit non-zero after the issues have
// already been printed.
var errIssuesFound = errors.New("issues found")

type globalOptions struct {
	envFile  string
	logLevel string
	maxDepth int
	strict   bool
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "condctl",
		Short:         "Evaluate conditions and resolve dynamic values offline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.envFile, "env", "e", "", "environment snapshot file (.yaml, .yml, .json, .jsonc)")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	flags.IntVar(&opts.maxDepth, "max-depth", 32, "maximum condition nesting depth")
	flags.BoolVar(&opts.strict, "strict", false, "exit non-zero when any issue is reported")

	root.AddCommand(
		newEvalCommand(opts),
		newResolveCommand(opts),
		newValidateCommand(opts),
	)
	return root
}

// session is one run's provider, logger and issue sink.
type session struct {
	opts     *globalOptions
	log      *slog.Logger
	provider *environment.Provider
	issues   []core.Issue
}

func (o *globalOptions) newSession(cmd *cobra.Command) (*session, error) {
	log := logging.NewWithFormat(o.logLevel, logging.FormatText, cmd.ErrOrStderr())

	snapshot := environment.Snapshot{}
	if o.envFile != "" {
		var err error
		if snapshot, err = environment.LoadFile(o.envFile); err != nil {
			return nil, err
		}
	}
	return o.sessionFor(snapshot, log), nil
}

func (o *globalOptions) sessionFor(snapshot environment.Snapshot, log *slog.Logger) *session {
	return &session{
		opts:     o,
		log:      log,
		provider: environment.NewProvider(snapshot, callable.Builtins()),
	}
}

func (s *session) collect(_ context.Context, issue core.Issue) {
	s.issues = append(s.issues, issue)
}

func (s *session) evaluator() *core.Evaluator {
	return core.NewEvaluator(s.provider,
		core.WithMaxDepth(s.opts.maxDepth),
		core.WithIssueHandler(s.collect),
		core.WithLogger(s.log),
	)
}

func (s *session) resolver() *core.Resolver {
	return core.NewResolver(s.provider,
		core.WithResolverIssueHandler(s.collect),
		core.WithResolverLogger(s.log),
	)
}

// finish reports errIssuesFound in strict mode.
func (s *session) finish() error {
	if s.opts.strict && len(s.issues) > 0 {
		return errIssuesFound
	}
	return nil
}

func writeJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func nonNil(issues []core.Issue) []core.Issue {
	if issues == nil {
		return []core.Issue{}
	}
	return issues
}
