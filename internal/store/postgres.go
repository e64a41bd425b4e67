// Package store persists row batches to PostgreSQL.
package store

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/subcount/ingester/internal/sink"
)

const instrumentationName = "github.com/subcount/ingester/internal/store"

// DefaultInsert targets the table created by the bundled migrations.
const DefaultInsert = "INSERT INTO stats.channels (time, id, serial) VALUES ($1, $2, $3)"

var txOptions = pgx.TxOptions{
	IsoLevel:   pgx.ReadCommitted,
	AccessMode: pgx.ReadWrite,
}

// PostgresSink writes each batch in a single transaction.
type PostgresSink struct {
	pool   *pgxpool.Pool
	insert string
	logger *slog.Logger
	tracer oteltrace.Tracer
}

var _ sink.Sink = (*PostgresSink)(nil)

// Open configures a connection pool for databaseURL. No connection is made
// until the first Write or Migrate.
func Open(ctx context.Context, databaseURL, insert string, logger *slog.Logger) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}

	cfg.LazyConnect = true
	cfg.MaxConns = 2

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "configure pool")
	}

	if insert == "" {
		insert = DefaultInsert
	}

	return &PostgresSink{
		pool:   pool,
		insert: insert,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Write inserts rows in order inside one transaction and commits. Every
// statement runs on the transaction handle, so a failure leaves nothing
// behind.
func (s *PostgresSink) Write(ctx context.Context, rows []sink.Row) (err error) {
	ctx, span := s.tracer.Start(ctx, "store.Write")
	defer span.End()

	span.SetAttributes(attribute.Int("rows", len(rows)))

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire connection")
	}
	defer conn.Release()

	tx, err := conn.BeginTx(ctx, txOptions)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	defer func() {
		if err == nil {
			return
		}

		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.WarnContext(ctx, "rollback failed", slog.String("err", rbErr.Error()))
		}
	}()

	for i, r := range rows {
		if _, err = tx.Exec(ctx, s.insert, r.ObservedAt, r.ChannelID, r.SubDelta); err != nil {
			return errors.Wrapf(err, "insert row %d of %d", i, len(rows))
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit")
	}

	s.logger.DebugContext(ctx, "batch committed", slog.Int("rows", len(rows)))

	return nil
}

// Close releases all pooled connections.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
