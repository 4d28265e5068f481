package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphtest"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/routes/pipeline"
	"github.com/Ramsey-B/fern/pkg/runner"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type memorySession struct {
	mem    *graphtest.Memory
	runner *runner.Runner
	opened int
}

func newMemorySession() *memorySession {
	mem := graphtest.New()
	subject := mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
	mem.AddClass(graph.Class{Label: "Initials", ShortLabel: "INIT"})
	mem.AddSchemaRelationship("Subject", "Initials", "Initials")
	for _, l := range []string{"S1", "S2", "S3"} {
		id := mem.AddNode([]string{"Subject"}, map[string]any{graph.PropRDFSLabel: l})
		mem.AddRel(graph.RelIsA, id, subject)
	}
	return &memorySession{mem: mem, runner: runner.NewRunner(runner.Params{
		Store:  mem,
		Ledger: ledger.NewMemory(),
		Runs:   run.NewMemory(),
		Logger: nopLogger,
	})}
}

func (m *memorySession) open(_ context.Context, _ *RootOptions) (*Session, error) {
	m.opened++
	return &Session{Config: &config.Config{}, Logger: nopLogger, Runner: m.runner}, nil
}

func execute(t *testing.T, m *memorySession, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommandWith(&RootOptions{Open: m.open})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func copyLabels() *definition.Graph {
	n := func(id string, labels []string, props map[string]any) definition.Node {
		return definition.Node{ID: id, Labels: labels, Properties: props}
	}
	e := func(edgeType, from, to string, props map[string]any) definition.Edge {
		return definition.Edge{ID: from + "_" + edgeType + "_" + to, Type: edgeType, FromID: from, ToID: to, Properties: props}
	}
	return &definition.Graph{
		Nodes: []definition.Node{
			n("core", []string{definition.LabelMethod}, map[string]any{definition.PropID: "copy_labels"}),
			n("a_get1", []string{definition.LabelMethod}, map[string]any{definition.PropID: "get1", definition.PropKind: actions.KindGetData}),
			n("a_link1", []string{definition.LabelMethod}, map[string]any{definition.PropID: "link1", definition.PropKind: actions.KindLink}),
			n("c_SUBJ", []string{definition.LabelClass}, map[string]any{definition.PropLabel: "Subject", definition.PropShortLabel: "SUBJ"}),
			n("c_INIT", []string{definition.LabelClass}, map[string]any{definition.PropLabel: "Initials", definition.PropShortLabel: "INIT"}),
			n("r_link1", []string{definition.LabelRelationship}, map[string]any{}),
		},
		Edges: []definition.Edge{
			e(definition.EdgeMethodAction, "core", "a_get1", nil),
			e(definition.EdgeMethodAction, "core", "a_link1", nil),
			e(definition.EdgeNext, "a_get1", "a_link1", nil),
			e(actions.EdgeSourceClass, "a_get1", "c_SUBJ", nil),
			e(actions.EdgeLink, "a_link1", "r_link1", map[string]any{"how": "create", "to_column": "SUBJ"}),
			e(definition.EdgeFrom, "r_link1", "c_SUBJ", nil),
			e(definition.EdgeTo, "r_link1", "c_INIT", nil),
		},
	}
}

func writeFile(t *testing.T, name string, g *definition.Graph) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, definition.Encode(f, g, definition.FormatFromPath(path)))
	require.NoError(t, f.Close())
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "apply", "rollback", "preview", "predict", "save", "delete", "validate", "merge", "order", "runs"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "json", format.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	m := newMemorySession()
	_, err := execute(t, m, "order", "--scope", "study1", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Zero(t, m.opened)
}

func TestScopeRequired(t *testing.T) {
	m := newMemorySession()
	_, err := execute(t, m, "apply", "copy_labels")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--scope is required")
}

func TestLifecycle(t *testing.T) {
	m := newMemorySession()
	path := writeFile(t, "copy_labels.yaml", copyLabels())

	_, err := execute(t, m, "save", "copy_labels", path, "-s", "study1")
	require.NoError(t, err)

	out, err := execute(t, m, "preview", "copy_labels", "-s", "study1", "--limit", "2")
	require.NoError(t, err)
	var preview pipeline.PreviewResponse
	require.NoError(t, json.Unmarshal([]byte(out), &preview))
	assert.Len(t, preview.Rows, 2)

	out, err = execute(t, m, "apply", "copy_labels", "-s", "study1")
	require.NoError(t, err)
	var applied pipeline.ApplyResponse
	require.NoError(t, json.Unmarshal([]byte(out), &applied))
	assert.Equal(t, 3, applied.Rows)
	assert.Len(t, m.mem.NodesWithLabel("Initials"), 3)

	_, err = execute(t, m, "apply", "copy_labels", "-s", "study1")
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	_, err = execute(t, m, "delete", "copy_labels", "-s", "study1")
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	out, err = execute(t, m, "rollback", "copy_labels", "-s", "study1", "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted:")
	assert.Empty(t, m.mem.NodesWithLabel("Initials"))

	out, err = execute(t, m, "runs", "-s", "study1")
	require.NoError(t, err)
	var runs []run.Run
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	assert.Len(t, runs, 3)

	out, err = execute(t, m, "runs", runs[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, runs[0].ID)

	out, err = execute(t, m, "order", "-s", "study1")
	require.NoError(t, err)
	assert.Contains(t, out, "copy_labels")
}

func TestValidate(t *testing.T) {
	m := newMemorySession()
	path := writeFile(t, "copy_labels.json", copyLabels())

	out, err := execute(t, m, "validate", "copy_labels", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"valid": true`)

	out, err = execute(t, m, "validate", "wrong_name", path)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidationFailure))
	assert.Contains(t, out, `"valid": false`)
}

func TestMerge_Offline(t *testing.T) {
	m := newMemorySession()
	fragment := &definition.Graph{
		Nodes: []definition.Node{
			{ID: "m", Labels: []string{definition.LabelMethod}, Properties: map[string]any{definition.PropID: "get1", definition.PropKind: actions.KindGetData}},
			{ID: "c", Labels: []string{definition.LabelClass}, Properties: map[string]any{definition.PropLabel: "Subject", definition.PropShortLabel: "SUBJ"}},
		},
		Edges: []definition.Edge{{ID: "e", Type: actions.EdgeSourceClass, FromID: "m", ToID: "c"}},
	}
	path := writeFile(t, "fragment.json", fragment)
	outPath := filepath.Join(t.TempDir(), "merged.yaml")

	_, err := execute(t, m, "merge", "merged", path, "-o", outPath)
	require.NoError(t, err)
	assert.Zero(t, m.opened)

	f, err := os.Open(outPath)
	require.NoError(t, err)
	defer f.Close()
	merged, err := definition.Decode(f, definition.FormatYAML)
	require.NoError(t, err)
	chain, err := merged.Actions("merged")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, actions.KindGetData, chain[0].Kind)
}

func TestParseBranches(t *testing.T) {
	got, err := parseBranches([]string{"branch1=left", "branch2=right"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"branch1": "left", "branch2": "right"}, got)

	got, err = parseBranches(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseBranches([]string{"branch1"})
	assert.Error(t, err)
}
