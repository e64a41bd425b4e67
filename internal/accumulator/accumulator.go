package accumulator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/subcount/ingester/internal/sink"
	"github.com/subcount/ingester/internal/wire"
)

const instrumentationName = "github.com/subcount/ingester/internal/accumulator"

// ErrFlush marks a failed sink write. The accumulator stops on it.
var ErrFlush = errors.New("flush failed")

// Source delivers decoded messages in send order.
type Source interface {
	Receive(ctx context.Context) (wire.SubMessage, error)
	// Close tells the producer that nobody is receiving any more.
	Close()
}

// Config controls the flush policy.
type Config struct {
	// Threshold is the number of buffered rows that triggers a flush, and
	// the exact size of every flushed batch.
	Threshold int
	// DrainBacklog re-checks the threshold after each flush, so one large
	// message can cause several flushes. When false, at most one flush
	// happens per received message.
	DrainBacklog bool
	// Clock stamps rows at ingestion. Defaults to the real clock.
	Clock quartz.Clock
}

// Accumulator buffers rows from a Source and writes fixed-size batches to a
// Sink. The buffer is only touched by the goroutine running Run.
type Accumulator struct {
	source    Source
	sink      sink.Sink
	logger    *slog.Logger
	tracer    oteltrace.Tracer
	clock     quartz.Clock
	threshold int
	drain     bool

	// Single-goroutine owned.
	buffer []sink.Row

	// Mirrors len(buffer) for observers on other goroutines.
	buffered atomic.Int64

	// Optional metric callbacks provided by the owner (e.g., orchestrator).
	incrFlushes     func(rows int64)
	incrFlushFailed func(int64)
}

func New(cfg Config, src Source, s sink.Sink, logger *slog.Logger) *Accumulator {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}

	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}

	return &Accumulator{
		source:    src,
		sink:      s,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		clock:     cfg.Clock,
		threshold: cfg.Threshold,
		drain:     cfg.DrainBacklog,
		buffer:    make([]sink.Row, 0, cfg.Threshold),
	}
}

// SetMetricsCallbacks installs optional callbacks for metrics updates.
// flushed receives the number of rows written by each successful flush.
func (a *Accumulator) SetMetricsCallbacks(flushed, flushFailed func(int64)) {
	a.incrFlushes = flushed
	a.incrFlushFailed = flushFailed
}

// Run receives messages until ctx is cancelled or a flush fails. It returns
// nil on cancellation; rows still buffered at that point are dropped. On
// return the source is closed so the producer sees the consumer is gone.
func (a *Accumulator) Run(ctx context.Context) error {
	defer a.source.Close()

	for {
		msg, err := a.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.InfoContext(ctx, "accumulator stopped", slog.Int("unflushed_rows", len(a.buffer)))
				return nil
			}

			return fmt.Errorf("receive: %w", err)
		}

		if err := a.add(ctx, msg); err != nil {
			return err
		}
	}
}

// Buffered returns the number of rows awaiting a flush.
func (a *Accumulator) Buffered() int { return int(a.buffered.Load()) }

func (a *Accumulator) add(ctx context.Context, msg wire.SubMessage) error {
	now := a.clock.Now()
	for i := 0; i < msg.Len(); i++ {
		a.buffer = append(a.buffer, sink.Row{
			ObservedAt: now,
			ChannelID:  msg.IDs[i],
			SubDelta:   msg.Subs[i],
		})
	}

	a.buffered.Store(int64(len(a.buffer)))
	a.logger.DebugContext(ctx, "message buffered", slog.Int("rows", msg.Len()), slog.Int("buffered", len(a.buffer)))

	for len(a.buffer) >= a.threshold {
		if err := a.flush(ctx); err != nil {
			return err
		}

		if !a.drain {
			break
		}
	}

	return nil
}

// flush writes exactly the first threshold rows and removes them from the
// buffer once the sink accepted them.
func (a *Accumulator) flush(ctx context.Context) error {
	// An in-flight write is never cancelled; shutdown waits for it.
	ctx = context.WithoutCancel(ctx)

	ctx, span := a.tracer.Start(ctx, "accumulator.flush")
	defer span.End()

	batch := slices.Clone(a.buffer[:a.threshold])
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	start := time.Now()
	if err := a.sink.Write(ctx, batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.ErrorContext(
			ctx,
			"flush failed",
			slog.String("err", err.Error()),
			slog.Int("rows", len(batch)),
			slog.Int("buffered", len(a.buffer)),
			slog.String("sink", fmt.Sprintf("%T", a.sink)),
		)

		if a.incrFlushFailed != nil {
			a.incrFlushFailed(1)
		}

		return fmt.Errorf("%w: %d rows: %w", ErrFlush, len(batch), err)
	}

	n := copy(a.buffer, a.buffer[a.threshold:])
	clear(a.buffer[n:])
	a.buffer = a.buffer[:n]
	a.buffered.Store(int64(n))

	if a.incrFlushes != nil {
		a.incrFlushes(int64(len(batch)))
	}

	a.logger.InfoContext(
		ctx,
		"flushed batch",
		slog.Int("rows", len(batch)),
		slog.Int("buffered", n),
		slog.Duration("took", time.Since(start)),
	)

	return nil
}
