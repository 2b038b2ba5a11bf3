package postgres

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migration directions.
const (
	MigrateUp   = "up"
	MigrateDown = "down"
)

// ErrUnknownDirection is returned for directions other than up and down.
var ErrUnknownDirection = errors.New("postgres: migration direction must be \"up\" or \"down\"")

// MigrateURL rewrites a postgres:// DSN for the pgx/v5 migrate driver.
func MigrateURL(dsn string) (string, error) {
	for _, scheme := range []string{"postgres://", "postgresql://", "pgx5://"} {
		if rest, ok := strings.CutPrefix(dsn, scheme); ok {
			return "pgx5://" + rest, nil
		}
	}
	if dsn == "" {
		return "", ErrNoDSN
	}
	return "", errors.New("postgres: migrations need a postgres:// URL dsn")
}

// Migrate applies (up) or rolls back (down) every embedded migration.
func Migrate(dsn, direction string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if direction != MigrateUp && direction != MigrateDown {
		return fmt.Errorf("%w: %q", ErrUnknownDirection, direction)
	}
	url, err := MigrateURL(dsn)
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case MigrateUp:
		err = m.Up()
	case MigrateDown:
		err = m.Down()
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to apply", zap.String("direction", direction))
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", verr)
	}
	logger.Info("migrations applied",
		zap.String("direction", direction),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// Migrations lists the embedded migration files in order.
func Migrations() ([]string, error) {
	return fs.Glob(migrationFS, "migrations/*.sql")
}

