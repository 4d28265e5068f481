//go:build integration

package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/definition"
	"github.com/Ramsey-B/fern/pkg/runner"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type services struct {
	containers []testcontainers.Container
	cfg        *config.Config
}

func (s *services) start(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest, port string) (string, int) {
	t.Helper()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start %s", req.Image)
	s.containers = append(s.containers, c)

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, port)
	require.NoError(t, err)
	p, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)
	return host, p
}

func (s *services) stop() {
	for i := len(s.containers) - 1; i >= 0; i-- {
		_ = s.containers[i].Terminate(context.Background())
	}
}

func startServices(ctx context.Context, t *testing.T) *services {
	t.Helper()
	s := &services{}
	t.Cleanup(s.stop)

	cfg, err := config.Load("testdata/missing.env")
	require.NoError(t, err)
	cfg.DatabaseMigrationFolderPath = "../../db/pg"
	cfg.KafkaEnabled = false
	cfg.StartupMaxAttempts = 3

	host, port := s.start(ctx, t, testcontainers.ContainerRequest{
		Image:        "neo4j:5",
		ExposedPorts: []string{"7687/tcp"},
		Env:          map[string]string{"NEO4J_AUTH": "none"},
		WaitingFor:   wait.ForLog("Started.").WithStartupTimeout(120 * time.Second),
	}, "7687")
	cfg.GraphDBHost, cfg.GraphDBPort = host, port

	host, port = s.start(ctx, t, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "user",
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "fern",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432")
	cfg.DatabaseHost, cfg.DatabasePort = host, strconv.Itoa(port)
	cfg.DatabaseUserName, cfg.DatabasePassword, cfg.DatabaseName = "user", "password", "fern"

	host, port = s.start(ctx, t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379")
	cfg.RedisHost, cfg.RedisPort = host, port

	s.cfg = cfg
	return s
}

func seed(ctx context.Context, t *testing.T, cfg *config.Config) {
	t.Helper()
	driver, err := neo4j.NewDriverWithContext(fmt.Sprintf("bolt://%s:%d", cfg.GraphDBHost, cfg.GraphDBPort), neo4j.NoAuth())
	require.NoError(t, err)
	defer driver.Close(ctx)

	_, err = neo4j.ExecuteQuery(ctx, driver, `
		CREATE (s:Class {label: 'Subject', short_label: 'SUBJ'})
		CREATE (i:Class {label: 'Initials', short_label: 'INIT'})
		CREATE (s)<-[:FROM]-(:Relationship {relationship_type: 'Initials'})-[:TO]->(i)
		WITH s
		UNWIND ['S1', 'S2', 'S3'] AS l
		CREATE (:Subject {`+"`rdfs:label`"+`: l})-[:IS_A]->(s)
	`, nil, neo4j.EagerResultTransformer)
	require.NoError(t, err)
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

func TestApp_ApplyAndRollback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	s := startServices(ctx, t)
	seed(ctx, t, s.cfg)

	a, err := New(ctx, s.cfg, nopLogger)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(context.Background())) }()

	e := echo.New()
	a.Health.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	r := a.Runner
	require.NoError(t, r.Save(ctx, "copy_labels", "study1", copyLabels()))

	res, err := r.Apply(ctx, "copy_labels", "study1", runner.ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Rows)

	runs, err := r.Runs(ctx, run.Filter{Pipeline: "copy_labels", Scope: "study1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.StatusSucceeded, runs[0].Status)

	report, err := r.Rollback(ctx, "copy_labels", "study1")
	require.NoError(t, err)
	assert.Len(t, report.Deleted, 3)
	assert.Empty(t, report.Failures)
}
