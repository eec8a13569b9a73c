package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the migration connection
	"github.com/rs/zerolog"

	dbmigrations "github.com/coachpo/okxtap/db/migrations"
)

// Migrate applies the embedded SQL migrations to the database reachable via
// dsn. Running against an up-to-date schema is a no-op.
func Migrate(ctx context.Context, dsn string, log zerolog.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("closing migrations connection")
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			log.Warn().Err(sourceErr).Msg("closing migrations source")
		}
		if dbErr != nil {
			log.Warn().Err(dbErr).Msg("closing migrations database handle")
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("database schema up-to-date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info().Msg("database migrations applied")
	return nil
}
