// Package cli is the fern command line: it serves the API and runs every
// runner operation against the configured stores.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/app"
	"github.com/Ramsey-B/fern/pkg/runner"
)

// ValidFormats are the output encodings of every command.
var ValidFormats = []string{"json", "yaml"}

// Session is what a command runs against. Close releases it.
type Session struct {
	Config *config.Config
	Logger ectologger.Logger
	Runner *runner.Runner
	App    *app.App
	Close  func(ctx context.Context) error
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFile string
	Scope   string
	Format  string

	// Open connects a session. Tests replace it with an in-memory one.
	Open func(ctx context.Context, opts *RootOptions) (*Session, error)
}

// NewRootCommand creates the root command with the default session opener.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{Open: OpenSession})
}

func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	if opts.Open == nil {
		opts.Open = OpenSession
	}

	cmd := &cobra.Command{
		Use:           "fern",
		Short:         "fern - derivation pipelines over a metadata graph",
		Long:          "Apply, roll back, preview and predict derivation pipelines stored in the graph.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file read before the environment")
	cmd.PersistentFlags().StringVarP(&opts.Scope, "scope", "s", "", "scope (study) of the pipelines")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "json", "output format (json|yaml)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewApplyCommand(opts))
	cmd.AddCommand(NewRollbackCommand(opts))
	cmd.AddCommand(NewPreviewCommand(opts))
	cmd.AddCommand(NewPredictCommand(opts))
	cmd.AddCommand(NewSaveCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewMergeCommand(opts))
	cmd.AddCommand(NewOrderCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}

// OpenSession loads configuration and starts the backing services.
func OpenSession(ctx context.Context, opts *RootOptions) (*Session, error) {
	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, sync, err := app.NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		sync()
		return nil, err
	}
	return &Session{
		Config: cfg,
		Logger: logger,
		Runner: a.Runner,
		App:    a,
		Close: func(ctx context.Context) error {
			defer sync()
			return a.Close(ctx)
		},
	}, nil
}

// withSession opens a session for one command and always closes it.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *Session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := opts.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if s.Close != nil {
			_ = s.Close(context.Background())
		}
	}()
	return fn(ctx, s)
}

func requireScope(opts *RootOptions) error {
	if opts.Scope == "" {
		return fmt.Errorf("--scope is required")
	}
	return nil
}
