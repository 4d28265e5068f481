package database

import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

var upFile = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// MigrationConfig controls how the run history schema is brought up to date.
type MigrationConfig struct {
	FolderPath string
	// Version pins the schema to a version instead of the newest one.
	Version uint
	// Force marks the schema clean at this version before migrating.
	Force int
	// AutoRollback forces a dirty schema back to its previous version when a
	// migration fails. The failure is still returned.
	AutoRollback bool
}

type migrationLogger struct {
	ectologger.Logger
}

func (l migrationLogger) Verbose() bool { return false }

func (l migrationLogger) Printf(format string, v ...any) {
	l.Debugf(strings.TrimSpace(format), v...)
}

// Migrator applies the SQL files under FolderPath to the run history database.
type Migrator struct {
	cfg    MigrationConfig
	logger ectologger.Logger
}

func NewMigrator(cfg MigrationConfig, logger ectologger.Logger) *Migrator {
	return &Migrator{cfg: cfg, logger: logger}
}

func (m *Migrator) folder() string {
	if filepath.IsAbs(m.cfg.FolderPath) {
		return m.cfg.FolderPath
	}
	if _, err := os.Stat(m.cfg.FolderPath); err == nil {
		return m.cfg.FolderPath
	}
	wd, _ := os.Getwd()
	return filepath.Join(wd, m.cfg.FolderPath)
}

// Up migrates db to the configured version, or to the newest one.
func (m *Migrator) Up(db *sqlx.DB, databaseName string) error {
	folder := m.folder()
	if _, err := os.Stat(folder); err != nil {
		return errors.Wrapf(err, "migration folder %s does not exist", folder)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{DatabaseName: databaseName})
	if err != nil {
		return errors.Wrap(err, "failed to create migration driver")
	}
	mg, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrate instance")
	}
	mg.Log = migrationLogger{Logger: m.logger}

	if m.cfg.Force != 0 {
		if err := mg.Force(m.cfg.Force); err != nil {
			return errors.Wrapf(err, "failed to force schema to version %d", m.cfg.Force)
		}
	}

	before, _, err := mg.Version()
	if err != nil && err != migrate.ErrNilVersion {
		m.logger.WithError(err).Warn("Failed to read run history schema version")
	}

	start := time.Now()
	if m.cfg.Version != 0 {
		err = mg.Migrate(m.cfg.Version)
	} else {
		err = mg.Up()
	}
	m.logger.WithFields(map[string]any{
		"from_version": before,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Info("Run history migrations finished")

	return m.recover(mg, err, before)
}

func (m *Migrator) recover(mg *migrate.Migrate, err error, before uint) error {
	switch {
	case err == nil, err == migrate.ErrNoChange:
		return nil
	case strings.Contains(err.Error(), "no migration found for version"):
		// the schema is ahead of the folder after a code rollback
		latest, lerr := latestVersion(m.folder())
		if lerr != nil {
			return lerr
		}
		m.logger.Warnf("Run history schema is at version %d; forcing it to the newest known version %d", before, latest)
		return mg.Force(latest)
	}

	version, dirty, verr := mg.Version()
	if verr != nil && verr != migrate.ErrNilVersion {
		return errors.Wrap(err, "migration failed")
	}
	if m.cfg.AutoRollback && dirty {
		if before == 0 && version > 0 {
			before = version - 1
		}
		m.logger.Warnf("Run history schema is dirty at version %d; reverting to version %d", version, before)
		if ferr := mg.Force(int(before)); ferr != nil {
			return errors.Wrapf(ferr, "failed to force schema to version %d", before)
		}
	}
	return errors.Wrapf(err, "migration failed at version %d (dirty=%t)", version, dirty)
}

// latestVersion is the highest NNN prefix among the *.up.sql files in folder.
func latestVersion(folder string) (int, error) {
	files, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		match := upFile.FindStringSubmatch(f.Name())
		if match == nil {
			continue
		}
		v, err := strconv.Atoi(match[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return 0, errors.Errorf("no migration files found in %s", folder)
	}
	return slices.Max(versions), nil
}
