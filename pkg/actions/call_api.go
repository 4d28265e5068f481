package actions

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/table"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/transform"
)

// DefaultGitBranch is used when neither the configuration nor the run names a
// branch for the script repository.
const DefaultGitBranch = "main"

// CallAPI sends the working table to the transformation service and replaces
// it with the returned table.
type CallAPI struct {
	Core
	meta *ScriptMeta
}

func NewCallAPI(node definition.ActionNode, env Env) (Action, error) {
	return &CallAPI{Core: newCore(node, env)}, nil
}

func (a *CallAPI) FetchMetadata(ctx context.Context) error {
	_, span := tracing.StartSpan(ctx, "actions.CallAPI.FetchMetadata")
	defer span.End()

	if a.meta != nil {
		return nil
	}
	meta, err := scriptMeta(a.node)
	if err != nil {
		return a.Fail(errors.KindValidationFailure, err)
	}
	a.meta = &meta
	return nil
}

func (a *CallAPI) Apply(ctx context.Context, t *table.Table, opts Options) (*table.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.CallAPI.Apply")
	defer span.End()

	if err := a.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	if a.env.Transform == nil {
		return nil, a.Failf(errors.KindInternal, "no transformation service configured")
	}
	if t == nil {
		t = table.New()
	}
	log := a.Logger(ctx).WithFields(map[string]any{
		"package": a.meta.Package,
		"script":  a.meta.Script,
	})
	before := t.Columns()

	expected := t.InferTypes()
	applyForceColumns(log, a.meta.ForceColumns, expected)
	expected = cdiscTypes(t.Columns(), expected, log)

	data, err := json.Marshal(t.JSONRecords())
	if err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	params := map[string]any{transform.DataParam: string(data)}
	for k, v := range a.meta.Params {
		params[k] = v
	}

	branch := a.env.Git.Branch
	if branch == "" {
		branch = DefaultGitBranch
	}
	if override, ok := opts.Branches[a.meta.GitRepo]; ok && a.meta.GitRepo != "" && override != "" {
		branch = override
	}

	req := transform.Request{
		Func:                    a.meta.Script,
		Language:                a.meta.Lang,
		Package:                 a.meta.Package,
		Version:                 a.meta.Version,
		Params:                  params,
		SupplyFullEvalTraceback: true,
		ExpectedDataTypes:       expected,
		GitBaseURL:              a.env.Git.BaseURL,
		GitRepo:                 a.meta.GitRepo,
		GitBranch:               branch,
		RepoScriptsPath:         a.meta.RepoScriptsPath,
		GitToken:                a.env.Git.Token,
	}
	if a.meta.GitRepo != "" {
		log.WithFields(map[string]any{
			"repo":   a.meta.GitRepo,
			"path":   a.meta.RepoScriptsPath,
			"branch": branch,
		}).Info("Calling transformation service with repository source")
	}

	resp, err := a.env.Transform.Call(ctx, req)
	if err != nil {
		perr := errors.Newf(errors.KindExternalServiceFailure, "transformation service call failed: %w", err).
			AddAction(a.node.ID).AddActionKind(a.node.Kind)
		var status *transform.StatusError
		if stderrors.As(err, &status) {
			perr.AddLogs(status.Body)
		}
		return nil, perr
	}
	if resp.Logs != "" {
		log.WithFields(map[string]any{"logs": resp.Logs}).Info("Transformation service logs")
	}
	if resp.FunctionReturn == nil {
		return nil, errors.Newf(errors.KindExternalServiceFailure, "transformation service returned no data for %s.%s", a.meta.Package, a.meta.Script).
			AddAction(a.node.ID).AddActionKind(a.node.Kind).AddLogs(resp.Logs)
	}

	if len(resp.ReturnColumns) > 0 {
		expected = cdiscTypes(resp.ReturnColumns, expected, log)
	} else {
		log.Warn("Transformation service did not return the table columns")
	}
	out, err := loadReturnedTable(log, resp.FunctionReturn, resp.ReturnColumns, expected)
	if err != nil {
		return nil, a.Fail(errors.KindInternal, err)
	}
	log.WithFields(map[string]any{"rows": out.Len(), "columns": out.Columns()}).Info("Received modified data")

	entry := ledger.Entry{ColumnsBefore: before, ColumnsAfter: out.Columns()}
	if a.meta.GitRepo != "" {
		commit, err := a.commitID(ctx, branch)
		if err != nil {
			return nil, err
		}
		entry.CommitID = commit
	}
	if err := a.record(ctx, entry); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *CallAPI) commitID(ctx context.Context, branch string) (string, error) {
	var ext string
	switch strings.ToLower(a.meta.Lang) {
	case "py", "python":
		ext = "py"
	case "r":
		ext = "R"
	default:
		return "", a.Failf(errors.KindValidationFailure, "lang must be one of python, py or r to resolve a commit, got %q", a.meta.Lang)
	}

	filePath := fmt.Sprintf("%s/%s.%s", a.meta.RepoScriptsPath, a.meta.Package, ext)
	commit, err := a.env.Transform.CommitID(ctx, transform.CommitRequest{
		Repo:     a.meta.GitRepo,
		Branch:   branch,
		BaseURL:  a.env.Git.BaseURL,
		FilePath: filePath,
		Token:    a.env.Git.Token,
	})
	if err != nil {
		return "", errors.Newf(errors.KindExternalServiceFailure, "failed to resolve commit of %s: %w", filePath, err).
			AddAction(a.node.ID).AddActionKind(a.node.Kind)
	}
	return commit, nil
}

// Rollback forgets the recorded columns. The callee changes nothing in the store.
func (a *CallAPI) Rollback(ctx context.Context) ([]int64, error) {
	ctx, span := tracing.StartSpan(ctx, "actions.CallAPI.Rollback")
	defer span.End()

	entries, err := a.entries(ctx)
	if err != nil {
		return nil, err
	}
	return nil, a.forget(ctx, entries)
}

// applyForceColumns overrides sampled types with "column,type" entries.
// Malformed entries are skipped with a warning.
func applyForceColumns(log ectologger.Logger, force []string, expected map[string]string) {
	for _, entry := range force {
		parts := strings.Split(entry, ",")
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			log.WithFields(map[string]any{"entry": entry}).Warn("Failed to load force column, expected 'column,type'")
			continue
		}
		col, typ := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if existing, ok := expected[col]; ok {
			log.WithFields(map[string]any{"column": col, "from": existing, "to": typ}).Warn("Forcing type of existing column")
		}
		expected[col] = typ
	}
}

// cdiscTypes types the untyped columns named by the CDISC convention: a name
// ending in DT is a date and one ending in DTM a datetime. Identity columns are
// left alone.
func cdiscTypes(columns []string, expected map[string]string, log ectologger.Logger) map[string]string {
	for _, c := range columns {
		if _, ok := expected[c]; ok || strings.HasPrefix(c, table.IDPrefix) {
			continue
		}
		switch {
		case strings.HasSuffix(c, "DTM"):
			expected[c] = table.TypeDateTime
		case strings.HasSuffix(c, "DT"):
			expected[c] = table.TypeDate
		default:
			continue
		}
		log.WithFields(map[string]any{"column": c, "type": expected[c]}).Debug("Typed column by CDISC naming")
	}
	return expected
}

// loadReturnedTable builds the returned table and converts each column to its
// expected type. Values that do not fit are kept as received and logged.
func loadReturnedTable(log ectologger.Logger, records []map[string]any, columns []string, expected map[string]string) (*table.Table, error) {
	out := table.FromRecords(records, columns...)
	for _, c := range out.Columns() {
		values, _ := out.Column(c)
		typ, known := expected[c]
		if !known {
			log.WithFields(map[string]any{"column": c}).Warn("Column not in expected types and subject to automatic conversion")
			for i, v := range values {
				values[i] = plainNumber(v)
			}
			if err := out.SetColumn(c, values); err != nil {
				return nil, err
			}
			continue
		}

		mismatch := false
		for i, v := range values {
			converted, ok := table.Coerce(v, typ)
			if !ok {
				mismatch = true
				converted = plainNumber(v)
			}
			values[i] = converted
		}
		if mismatch {
			found := table.TypeNone
			for _, v := range values {
				if !table.IsMissing(v) {
					found = table.TypeOf(v)
					break
				}
			}
			log.WithFields(map[string]any{"column": c, "found": found, "expected": typ}).Warn("Returned column type mismatch")
		}
		if err := out.SetColumn(c, values); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// plainNumber turns a decoded json.Number into an int64 or float64.
func plainNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
