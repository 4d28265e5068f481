package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/graph/graphtest"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/definitions"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/items"
	"github.com/Ramsey-B/fern/pkg/routes/pipeline"
	"github.com/Ramsey-B/fern/pkg/routes/runs"
	"github.com/Ramsey-B/fern/pkg/runner"
	"github.com/Ramsey-B/fern/pkg/scripts"
	"github.com/Ramsey-B/fern/pkg/transform"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

const base = "/api/v1/pipelines/study1/copy_labels"

func definitionJSON(t *testing.T) []byte {
	t.Helper()
	n := func(id string, labels []string, props map[string]any) definition.Node {
		return definition.Node{ID: id, Labels: labels, Properties: props}
	}
	e := func(edgeType, from, to string, props map[string]any) definition.Edge {
		return definition.Edge{ID: from + "_" + edgeType + "_" + to, Type: edgeType, FromID: from, ToID: to, Properties: props}
	}
	g := &definition.Graph{
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
	var buf bytes.Buffer
	require.NoError(t, definition.Encode(&buf, g, definition.FormatJSON))
	return buf.Bytes()
}

type fixture struct {
	mem *graphtest.Memory
	e   *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := graphtest.New()
	subject := mem.AddClass(graph.Class{Label: "Subject", ShortLabel: "SUBJ"})
	mem.AddClass(graph.Class{Label: "Initials", ShortLabel: "INIT"})
	mem.AddSchemaRelationship("Subject", "Initials", "Initials")
	for _, l := range []string{"S1", "S2"} {
		id := mem.AddNode([]string{"Subject"}, map[string]any{graph.PropRDFSLabel: l})
		mem.AddRel(graph.RelIsA, id, subject)
	}

	registry := scripts.NewRegistry()
	r := runner.NewRunner(runner.Params{
		Store:   mem,
		Ledger:  ledger.NewMemory(),
		Scripts: registry,
		Runs:    run.NewMemory(),
		Logger:  nopLogger,
	})
	cfg, err := config.Load("testdata/missing.env")
	require.NoError(t, err)

	return &fixture{mem: mem, e: New(Deps{
		Config: cfg,
		Runner: r,
		Local:  transform.NewLocal(registry, nopLogger),
		Health: health.NewChecker("test"),
		Logger: nopLogger,
	})}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPipelineLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, base, definitionJSON(t))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, base+"/preview?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[pipeline.PreviewResponse](t, rec)
	assert.Len(t, preview.Rows, 1)
	assert.Contains(t, preview.Columns, "SUBJ")
	assert.Empty(t, f.mem.NodesWithLabel("Initials"))

	rec = f.do(t, http.MethodPost, base+"/apply", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := decode[pipeline.ApplyResponse](t, rec)
	assert.Equal(t, 2, applied.Rows)
	assert.NotEmpty(t, applied.RunID)
	assert.Len(t, f.mem.NodesWithLabel("Initials"), 2)

	rec = f.do(t, http.MethodPost, base+"/apply", []byte(`{}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
	errBody := decode[middleware.ErrorResponse](t, rec)
	assert.Equal(t, "conflict", errBody.Meta["kind"])

	rec = f.do(t, http.MethodGet, "/api/v1/runs/"+applied.RunID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.StatusSucceeded, decode[run.Run](t, rec).Status)

	rec = f.do(t, http.MethodPost, base+"/rollback", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rolled := decode[pipeline.RollbackResponse](t, rec)
	assert.Len(t, rolled.Deleted, 2)
	assert.Empty(t, f.mem.NodesWithLabel("Initials"))

	rec = f.do(t, http.MethodGet, "/api/v1/runs?pipeline=copy_labels&status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[runs.ListResponse](t, rec).Runs, 1)

	rec = f.do(t, http.MethodGet, "/api/v1/pipelines/study1/order", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"copy_labels"}, decode[pipeline.OrderResponse](t, rec).Pipelines)

	rec = f.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/apply", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPredict(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, base, definitionJSON(t)).Code)

	rec := f.do(t, http.MethodGet, base+"/predict", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[pipeline.PredictResponse](t, rec)
	assert.NotNil(t, body.Definition)
	assert.Contains(t, body.Columns, "SUBJ")
}

func TestSave_Invalid(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, base, []byte(`{"nodes": [], "edges": []}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPut, base, []byte(`not json`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestDefinitions(t *testing.T) {
	f := newFixture(t)

	body, err := json.Marshal(map[string]any{"name": "copy_labels", "definition": json.RawMessage(definitionJSON(t))})
	require.NoError(t, err)
	rec := f.do(t, http.MethodPost, "/api/v1/definitions/validate", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[definitions.ValidateResponse](t, rec).Valid)

	body, err = json.Marshal(map[string]any{"name": "other", "definition": json.RawMessage(definitionJSON(t))})
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/api/v1/definitions/validate", body)
	require.Equal(t, http.StatusOK, rec.Code)
	invalid := decode[definitions.ValidateResponse](t, rec)
	assert.False(t, invalid.Valid)
	assert.NotEmpty(t, invalid.Issues)

	fragment := `{"nodes": [
		{"id": "m", "labels": ["Method"], "properties": {"id": "get1", "type": "get_data"}},
		{"id": "c", "labels": ["Class"], "properties": {"label": "Subject", "short_label": "SUBJ"}}
	], "edges": [{"id": "e", "type": "SOURCE_CLASS", "fromId": "m", "toId": "c"}]}`
	body = []byte(`{"name": "merged", "fragments": [` + fragment + `]}`)
	rec = f.do(t, http.MethodPost, "/api/v1/definitions/merge", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	merged := decode[definition.Graph](t, rec)
	chain, err := merged.Actions("merged")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, "get1", chain[0].ID)

	rec = f.do(t, http.MethodPost, "/api/v1/definitions/merge", []byte(`{"name": "merged"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestItems_RoundTrip(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	client := transform.NewClient(transform.Config{BaseURL: srv.URL}, nopLogger)
	res, err := client.Call(context.Background(), transform.Request{
		Func:    "derive_column",
		Package: "expressions",
		Params: map[string]any{
			transform.DataParam: `[{"SUBJ": "S1"}]`,
			"expression":        "`42`",
			"out_col":           "AGE",
		},
	})
	require.NoError(t, err)
	require.Len(t, res.FunctionReturn, 1)
	assert.Contains(t, res.ReturnColumns, "AGE")

	res, err = client.Call(context.Background(), transform.Request{Func: "nope", Package: "missing", Params: map[string]any{}})
	require.NoError(t, err)
	assert.Nil(t, res.FunctionReturn)
	assert.NotEmpty(t, res.Logs)

	rec := f.do(t, http.MethodPost, "/items/", []byte(`{"params": {}}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "func is required", decode[items.CallResponse](t, rec).Logs)
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
