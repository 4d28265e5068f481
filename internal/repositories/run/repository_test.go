package run

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
)

func TestSelectQuery(t *testing.T) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("pipeline", "adsl"))
	sb.OrderBy("started_at").Desc()

	query, args := sb.Build()
	assert.True(t, strings.HasPrefix(query, "SELECT id, pipeline, scope"))
	assert.Contains(t, query, "WHERE pipeline = $1")
	assert.Contains(t, query, "ORDER BY started_at DESC")
	assert.Equal(t, []any{"adsl"}, args)
}

func TestFilter_Limit(t *testing.T) {
	assert.Equal(t, 20, Filter{}.limit())
	assert.Equal(t, 5, Filter{Limit: 5}.limit())
	assert.Equal(t, 100, Filter{Limit: 500}.limit())
}

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &Run{Pipeline: "adsl", Operation: "apply", StartedAt: time.Now().Add(-time.Minute)}
	require.NoError(t, m.Start(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, StatusRunning, first.Status)

	second := &Run{Pipeline: "adsl", Operation: "rollback"}
	require.NoError(t, m.Start(ctx, second))
	other := &Run{Pipeline: "advs", Operation: "apply"}
	require.NoError(t, m.Start(ctx, other))

	first.Status = StatusSucceeded
	first.Rows = 12
	require.NoError(t, m.Finish(ctx, first))

	got, err := m.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 12, got.Rows)
	assert.NotNil(t, got.FinishedAt)

	runs, err := m.List(ctx, Filter{Pipeline: "adsl"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)

	runs, err = m.List(ctx, Filter{Status: StatusSucceeded})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	assert.Error(t, m.Finish(ctx, &Run{ID: "missing"}))
	missing, err := m.GetByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
