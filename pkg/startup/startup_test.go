package startup

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nopLogger = ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

type journal struct{ entries []string }

func (j *journal) dep(name string, needs ...string) Dependency {
	return Dependency{
		Name:  name,
		Needs: needs,
		StartFunc: func(context.Context) error {
			j.entries = append(j.entries, "start "+name)
			return nil
		},
		StopFunc: func(context.Context) error {
			j.entries = append(j.entries, "stop "+name)
			return nil
		},
	}
}

func TestStartup_Order(t *testing.T) {
	ctx := context.Background()
	j := &journal{}
	s := NewStartup(nopLogger, 1)
	s.AddDependency(j.dep("runner", "graph", "postgres"))
	s.AddDependency(j.dep("graph"))
	s.AddDependency(j.dep("postgres"))

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, []string{"start graph", "start postgres", "start runner"}, j.entries)
	assert.Equal(t, StartupStatusStarted, s.Status("runner"))

	j.entries = nil
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, []string{"stop runner", "stop postgres", "stop graph"}, j.entries)
	assert.Equal(t, StartupStatusStopped, s.Status("graph"))
}

func TestStartup_Retries(t *testing.T) {
	attempts := 0
	s := NewStartup(nopLogger, 3)
	s.backoff = time.Millisecond
	s.AddDependency(Dependency{Name: "flaky", StartFunc: func(context.Context) error {
		attempts++
		if attempts < 3 {
			return stderrors.New("connection refused")
		}
		return nil
	}})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, attempts)
}

func TestStartup_GivesUp(t *testing.T) {
	s := NewStartup(nopLogger, 2)
	s.backoff = time.Millisecond
	s.AddDependency(Dependency{Name: "down", StartFunc: func(context.Context) error {
		return stderrors.New("connection refused")
	}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "startup failed after 2 attempts")
	assert.Equal(t, StartupStatusFailed, s.Status("down"))
}

func TestStartup_UnknownDependency(t *testing.T) {
	s := NewStartup(nopLogger, 1)
	s.AddDependency(Dependency{Name: "runner", Needs: []string{"graph"}})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dependency 'graph'")
}
