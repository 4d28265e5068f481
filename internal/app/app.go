// Package app builds the runner and its backing services from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/repositories/run"
	"github.com/Ramsey-B/fern/pkg/actions"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/ledger"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/runner"
	"github.com/Ramsey-B/fern/pkg/scripts"
	"github.com/Ramsey-B/fern/pkg/startup"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
	"github.com/Ramsey-B/fern/pkg/transform"
)

// NewLogger builds the zap-backed logger. PrettyLogs switches to the
// development encoder.
func NewLogger(cfg *config.Config) (ectologger.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zl, nil), func() { _ = zl.Sync() }, nil
}

// App holds the started services.
type App struct {
	Config  *config.Config
	Logger  ectologger.Logger
	Runner  *runner.Runner
	Scripts *scripts.Registry
	Local   *transform.Local
	Health  *health.Checker

	startup *startup.Startup
	graph   *graph.Client
	db      *database.DatabaseInstance
	redis   *redis.Client
	kafka   *kafka.Producer
	tracing func(context.Context) error
}

// New connects every configured service in dependency order and builds the
// runner over them.
func New(ctx context.Context, cfg *config.Config, logger ectologger.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Scripts: scripts.NewRegistry(),
		Health:  health.NewChecker(cfg.AppName),
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}
	a.Local = transform.NewLocal(a.Scripts, logger)

	a.startup.AddDependency(startup.Dependency{
		Name: "tracing",
		StartFunc: func(ctx context.Context) error {
			shutdown, err := tracing.Setup(ctx, tracing.ProviderConfig{
				ServiceName: cfg.AppName,
				Exporter:    cfg.TraceExporter,
				OTLP: exporters.OTLPConfig{
					Endpoint: cfg.OTLPEndpoint,
					Protocol: cfg.OTLPProtocol,
					Insecure: cfg.OTLPInsecure,
					Timeout:  cfg.OTLPExportTimeout,
				},
				Logger: logger,
			})
			a.tracing = shutdown
			return err
		},
		StopFunc: func(ctx context.Context) error {
			if a.tracing == nil {
				return nil
			}
			return a.tracing(ctx)
		},
	})

	a.startup.AddDependency(startup.Dependency{
		Name: "graph",
		StartFunc: func(ctx context.Context) error {
			client, err := graph.NewClient(graph.Config{
				Host:     cfg.GraphDBHost,
				Port:     cfg.GraphDBPort,
				Username: cfg.GraphDBUser,
				Password: cfg.GraphDBPassword,
				Database: cfg.GraphDBName,
			}, logger)
			if err != nil {
				return err
			}
			if err := client.VerifyConnectivity(ctx); err != nil {
				_ = client.Close(ctx)
				return fmt.Errorf("graph database unreachable: %w", err)
			}
			a.graph = client
			a.Health.AddCheck("graph", client.VerifyConnectivity)
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if a.graph == nil {
				return nil
			}
			return a.graph.Close(ctx)
		},
	})

	if cfg.DatabaseEnabled {
		a.startup.AddDependency(startup.Dependency{
			Name: "postgres",
			StartFunc: func(ctx context.Context) error {
				db, err := database.Connect(ctx, database.Config{
					Driver:          cfg.DatabaseDriver,
					Host:            cfg.DatabaseHost,
					Port:            cfg.DatabasePort,
					UserName:        cfg.DatabaseUserName,
					Password:        cfg.DatabasePassword,
					Name:            cfg.DatabaseName,
					SSLMode:         cfg.DatabaseSSLMode,
					MaxOpenConns:    cfg.DatabaseMaxOpenConns,
					MaxIdleConns:    cfg.DatabaseMaxIdleConns,
					ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
				}, logger)
				if err != nil {
					return err
				}
				migrator := database.NewMigrator(database.MigrationConfig{
					FolderPath:   cfg.DatabaseMigrationFolderPath,
					Version:      uint(max(cfg.DatabaseMigrationVersion, 0)),
					Force:        cfg.DatabaseMigrationForce,
					AutoRollback: cfg.DatabaseMigrationAutoRollback,
				}, logger)
				if err := migrator.Up(db.DB, cfg.DatabaseName); err != nil {
					_ = db.Close()
					return err
				}
				a.db = db
				a.Health.AddCheck("postgres", db.PingContext)
				return nil
			},
			StopFunc: func(context.Context) error {
				if a.db == nil {
					return nil
				}
				return a.db.Close()
			},
		})
	}

	if cfg.RedisEnabled {
		a.startup.AddDependency(startup.Dependency{
			Name: "redis",
			StartFunc: func(ctx context.Context) error {
				client, err := redis.NewClient(ctx, redis.Config{
					Host:     cfg.RedisHost,
					Port:     cfg.RedisPort,
					Password: cfg.RedisPassword,
					DB:       cfg.RedisDB,
				}, logger)
				if err != nil {
					return err
				}
				a.redis = client
				a.Health.AddCheck("redis", client.Ping)
				return nil
			},
			StopFunc: func(context.Context) error {
				if a.redis == nil {
					return nil
				}
				return a.redis.Close()
			},
		})
	}

	if cfg.KafkaEnabled {
		a.startup.AddDependency(startup.Dependency{
			Name: "kafka",
			StartFunc: func(context.Context) error {
				a.kafka = kafka.NewProducer(kafka.ProducerConfig{
					Brokers:      cfg.KafkaBrokers,
					Topic:        cfg.KafkaOutputTopic,
					BatchSize:    cfg.KafkaBatchSize,
					BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
					RequiredAcks: cfg.KafkaRequiredAcks,
					Compression:  cfg.KafkaCompression,
				}, logger)
				return nil
			},
			StopFunc: func(context.Context) error {
				if a.kafka == nil {
					return nil
				}
				return a.kafka.Close()
			},
		})
	}

	a.startup.AddDependency(startup.Dependency{
		Name:  "runner",
		Needs: a.runnerNeeds(),
		StartFunc: func(context.Context) error {
			a.Runner = runner.NewRunner(a.runnerParams())
			return nil
		},
	})

	if err := a.startup.Start(ctx); err != nil {
		_ = a.startup.Stop(context.Background())
		return nil, err
	}
	a.Health.SetReady(true)
	return a, nil
}

func (a *App) runnerNeeds() []string {
	needs := []string{"tracing", "graph"}
	if a.Config.DatabaseEnabled {
		needs = append(needs, "postgres")
	}
	if a.Config.RedisEnabled {
		needs = append(needs, "redis")
	}
	if a.Config.KafkaEnabled {
		needs = append(needs, "kafka")
	}
	return needs
}

// runnerParams falls back to in-process collaborators for every optional
// service that is disabled.
func (a *App) runnerParams() runner.Params {
	cfg := a.Config
	p := runner.Params{
		Store:   graph.NewCypherStore(a.graph, a.Logger),
		Ledger:  ledger.NewGraph(a.graph, a.Logger),
		Scripts: a.Scripts,
		Git: actions.GitConfig{
			BaseURL: cfg.GitURL,
			Branch:  cfg.GitBranch,
			Token:   cfg.GitToken,
		},
		Logger: a.Logger,
	}

	if cfg.TransformURL == "" {
		p.Transform = a.Local
	} else {
		tcfg := transform.DefaultConfig()
		tcfg.BaseURL = cfg.TransformURL
		tcfg.Token = cfg.TransformToken
		tcfg.GitAPIURL = cfg.GitAPIURL
		if cfg.TransformTimeout > 0 {
			tcfg.Timeout = cfg.TransformTimeout
		}
		if cfg.TransformMaxIdleConns > 0 {
			tcfg.MaxIdleConns = cfg.TransformMaxIdleConns
		}
		if cfg.TransformIdleConnTimeout > 0 {
			tcfg.IdleConnTimeout = cfg.TransformIdleConnTimeout
		}
		p.Transform = transform.NewClient(tcfg, a.Logger)
	}

	if a.db != nil {
		p.Runs = run.NewRepository(a.db, a.Logger)
	}
	if a.redis != nil {
		p.Locker = runner.NewRedisLocker(redis.NewLocker(a.redis, cfg.RedisKeyPrefix), cfg.RedisLockTTL)
	}
	if a.kafka != nil {
		p.Emitter = events.NewEmitter(a.kafka, a.Logger)
	}
	return p
}

// Close stops every started service in reverse dependency order.
func (a *App) Close(ctx context.Context) error {
	a.Health.SetReady(false)
	return a.startup.Stop(ctx)
}
