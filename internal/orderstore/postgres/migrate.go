package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver for migrations

	dbmigrations "github.com/meridianhq/ordercore/db/migrations"
	"github.com/meridianhq/ordercore/errs"
)

// Migrate applies the embedded schema migrations to the Postgres instance
// reachable via dsn. Already-applied migrations are a no-op.
func Migrate(ctx context.Context, dsn string) error {
	return runMigrations(ctx, dsn, func(m *migrate.Migrate) error { return m.Up() })
}

// MigrateDown rolls back every embedded migration.
func MigrateDown(ctx context.Context, dsn string) error {
	return runMigrations(ctx, dsn, func(m *migrate.Migrate) error { return m.Down() })
}

func runMigrations(ctx context.Context, dsn string, apply func(*migrate.Migrate) error) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("", errs.CodeStorage, errs.WithMessage("open migrations connection"), errs.WithCause(err))
	}
	defer func() {
		_ = db.Close()
	}()

	if err := db.PingContext(ctx); err != nil {
		return errs.New("", errs.CodeStorage, errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
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
		_, _ = m.Close()
	}()

	if err := apply(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errs.New("", errs.CodeStorage, errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	return nil
}
