package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/routes/definitions"
	"github.com/Ramsey-B/fern/pkg/routes/pipeline"
	"github.com/Ramsey-B/fern/pkg/runner"
)

func NewApplyCommand(opts *RootOptions) *cobra.Command {
	var (
		overwrite bool
		limit     int
		branches  []string
	)
	cmd := &cobra.Command{
		Use:   "apply <pipeline>",
		Short: "Run a stored pipeline and write its changes to the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(opts); err != nil {
				return err
			}
			selected, err := parseBranches(branches)
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				res, err := s.Runner.Apply(ctx, args[0], opts.Scope, runner.ApplyOptions{
					Overwrite: overwrite,
					Limit:     limit,
					Branches:  selected,
				})
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), opts.Format, pipeline.NewApplyResponse(res))
			})
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "roll an applied pipeline back before applying it again")
	cmd.Flags().IntVar(&limit, "limit", 0, "read at most this many rows per get_data action")
	cmd.Flags().StringArrayVar(&branches, "branch", nil, "branch selection as <action id>=<option>, repeatable")
	return cmd
}

func parseBranches(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		id, option, ok := strings.Cut(v, "=")
		if !ok || id == "" || option == "" {
			return nil, fmt.Errorf("invalid --branch %q: expected <action id>=<option>", v)
		}
		out[id] = option
	}
	return out, nil
}

func NewRollbackCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <pipeline>",
		Short: "Undo every change an applied pipeline made",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(opts); err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				report, err := s.Runner.Rollback(ctx, args[0], opts.Scope)
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), opts.Format, pipeline.NewRollbackResponse(report))
			})
		},
	}
}

func NewPreviewCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "preview <pipeline>",
		Short: "Run a stored pipeline on a few rows without writing to the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(opts); err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				tbl, err := s.Runner.Preview(ctx, args[0], opts.Scope, limit)
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), opts.Format, pipeline.NewPreviewResponse(tbl))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "rows to read, 0 for the default")
	return cmd
}

func NewPredictCommand(opts *RootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "predict <pipeline>",
		Short: "Predict a pipeline's outputs and the actions that would complete it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(opts); err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				p, err := s.Runner.Predict(ctx, args[0], opts.Scope)
				if err != nil {
					return err
				}
				if out != "" {
					if err := writeDefinition(out, p.Definition); err != nil {
						return err
					}
				}
				return write(cmd.OutOrStdout(), opts.Format, pipeline.PredictResponse{Outputs: p.Outputs, Definition: p.Definition})
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "also write the extended definition to this file")
	return cmd
}

func NewSaveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save <pipeline> <definition file>",
		Short: "Validate a definition and store it as a pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(opts); err != nil {
				return err
			}
			def, err := readDefinition(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				if err := s.Runner.Save(ctx, args[0], opts.Scope, def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "saved %s/%s\n", opts.Scope, args[0])
				return nil
			})
		},
	}
}

func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <pipeline>",
		Short: "Delete a stored pipeline that is not applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireScope(opts); err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				if err := s.Runner.Delete(ctx, args[0], opts.Scope); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s/%s\n", opts.Scope, args[0])
				return nil
			})
		},
	}
}

func NewValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline> <definition file>",
		Short: "Check a definition's structure and that its schema is in the graph",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				missing, err := s.Runner.Validate(ctx, args[0], def)
				out := definitions.ValidateResponse{Valid: err == nil, Issues: []errors.Issue{}, Missing: missing}
				if err != nil {
					pe, ok := errors.AsPipelineError(err)
					if !ok || pe.Kind != errors.KindValidationFailure {
						return err
					}
					out.Issues = append(out.Issues, pe.Issues...)
				}
				if werr := write(cmd.OutOrStdout(), opts.Format, out); werr != nil {
					return werr
				}
				return err
			})
		},
	}
}

// NewMergeCommand merges fragment files offline; it needs no store.
func NewMergeCommand(opts *RootOptions) *cobra.Command {
	var base, out string
	cmd := &cobra.Command{
		Use:   "merge <pipeline> <fragment file>...",
		Short: "Merge definition fragments into one definition",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var baseGraph *definition.Graph
			if base != "" {
				g, err := readDefinition(base)
				if err != nil {
					return err
				}
				baseGraph = g
			}
			fragments := make([]*definition.Graph, 0, len(args)-1)
			for _, path := range args[1:] {
				g, err := readDefinition(path)
				if err != nil {
					return err
				}
				fragments = append(fragments, g)
			}

			merged, err := definition.NewMerger().Merge(args[0], baseGraph, fragments...)
			if err != nil {
				return errors.Wrap(errors.KindValidationFailure, err)
			}
			if out != "" {
				return writeDefinition(out, merged)
			}
			return definition.Encode(cmd.OutOrStdout(), merged, definition.Format(opts.Format))
		},
	}
	cmd.Flags().StringVar(&base, "base", "", "definition to merge the fragments into")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the merged definition to this file")
	return cmd
}

func NewOrderCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "order",
		Short: "List the scope's pipelines with prerequisites first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireScope(opts); err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				names, err := s.Runner.Order(ctx, opts.Scope)
				if err != nil {
					return err
				}
				if names == nil {
					names = []string{}
				}
				return write(cmd.OutOrStdout(), opts.Format, pipeline.OrderResponse{Pipelines: names})
			})
		},
	}
}

func NewRunsCommand(opts *RootOptions) *cobra.Command {
	var f run.Filter
	cmd := &cobra.Command{
		Use:   "runs [run id]",
		Short: "Show the run history, or one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *Session) error {
				if len(args) == 1 {
					rec, err := s.Runner.Run(ctx, args[0])
					if err != nil {
						return err
					}
					return write(cmd.OutOrStdout(), opts.Format, rec)
				}
				f.Scope = opts.Scope
				runs, err := s.Runner.Runs(ctx, f)
				if err != nil {
					return err
				}
				if runs == nil {
					runs = []run.Run{}
				}
				return write(cmd.OutOrStdout(), opts.Format, runs)
			})
		},
	}
	cmd.Flags().StringVar(&f.Pipeline, "pipeline", "", "only runs of this pipeline")
	cmd.Flags().StringVar(&f.Status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&f.Limit, "limit", 20, "maximum runs to list")
	return cmd
}

func writeDefinition(path string, g *definition.Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := definition.Encode(f, g, definition.FormatFromPath(path)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
