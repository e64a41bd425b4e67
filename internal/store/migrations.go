package store

import (
	"context"
	"embed"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migration struct {
	id   int
	name string
	sql  string
}

// Migrate brings the schema up to date. Each migration runs in its own
// transaction together with the version bump.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		return err
	}

	var version int

	err = s.pool.BeginTxFunc(ctx, txOptions, func(tx pgx.Tx) error {
		var err error
		version, err = readVersion(ctx, tx)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "read schema version")
	}

	s.logger.InfoContext(ctx, "updating schema", slog.Int("version", version))

	for _, m := range migrations {
		if m.id <= version {
			continue
		}

		err := s.pool.BeginTxFunc(ctx, txOptions, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.sql); err != nil {
				return err
			}

			_, err := tx.Exec(ctx, `SELECT setval('subcount_schema_version', $1)`, m.id)
			return err
		})
		if err != nil {
			return errors.Wrapf(err, "apply migration %s", m.name)
		}

		version = m.id
		s.logger.InfoContext(ctx, "applied migration", slog.String("name", m.name))
	}

	s.logger.InfoContext(ctx, "schema up to date", slog.Int("version", version))

	return nil
}

func readVersion(ctx context.Context, tx pgx.Tx) (int, error) {
	_, err := tx.Exec(ctx, `CREATE SEQUENCE IF NOT EXISTS subcount_schema_version START WITH 0 MINVALUE 0`)
	if err != nil {
		return 0, err
	}

	var version int
	err = tx.QueryRow(ctx, `SELECT last_value FROM subcount_schema_version`).Scan(&version)

	return version, err
}

// loadMigrations reads NNN_name.sql files ordered by their numeric prefix.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, errors.WithStack(err)
	}

	migrations := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}

		id, err := strconv.Atoi(strings.SplitN(e.Name(), "_", 2)[0])
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s has no numeric prefix", e.Name())
		}

		b, err := fs.ReadFile(fsys, "migrations/"+e.Name())
		if err != nil {
			return nil, errors.WithStack(err)
		}

		migrations = append(migrations, migration{id: id, name: e.Name(), sql: string(b)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].id < migrations[j].id })

	return migrations, nil
}
