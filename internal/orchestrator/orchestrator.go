package orchestrator

import (
	"context"
	"log/slog"
	"net"
	"os"

	"github.com/coder/quartz"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/subcount/ingester/internal/accumulator"
	cfgpkg "github.com/subcount/ingester/internal/config"
	"github.com/subcount/ingester/internal/handoff"
	"github.com/subcount/ingester/internal/ingest"
	"github.com/subcount/ingester/internal/sink"
	"github.com/subcount/ingester/internal/store"
	"github.com/subcount/ingester/internal/wire"
)

const instrumentationName = "github.com/subcount/ingester"

// orchestratorSvc holds all instance-scoped dependencies and metrics.
type orchestratorSvc struct {
	Cfg    cfgpkg.Config
	Logger *slog.Logger
	Tracer oteltrace.Tracer
	Meter  otelmetric.Meter

	// Metrics
	ConnsAccepted    otelmetric.Int64Counter
	ReadsFailed      otelmetric.Int64Counter
	DecodesFailed    otelmetric.Int64Counter
	MessagesReceived otelmetric.Int64Counter
	RowsReceived     otelmetric.Int64Counter
	Flushes          otelmetric.Int64Counter
	RowsFlushed      otelmetric.Int64Counter
	FlushFailed      otelmetric.Int64Counter

	Queue       *handoff.Queue[wire.SubMessage]
	Accumulator *accumulator.Accumulator
	Server      *ingest.Server

	outSink sink.Sink
	outFile *os.File
	store   *store.PostgresSink
	clock   quartz.Clock
	decode  ingest.DecodeFunc
}

var _ ingest.Pipeline = (*orchestratorSvc)(nil)

type Option func(*orchestratorSvc) error

// WithSink overrides the configured sink (useful for tests).
func WithSink(s sink.Sink) Option {
	return func(svc *orchestratorSvc) error { svc.outSink = s; return nil }
}

// WithClock overrides the clock used to stamp rows.
func WithClock(c quartz.Clock) Option {
	return func(svc *orchestratorSvc) error { svc.clock = c; return nil }
}

// WithDecoder overrides the wire decoder.
func WithDecoder(d ingest.DecodeFunc) Option {
	return func(svc *orchestratorSvc) error { svc.decode = d; return nil }
}

// New constructs the pipeline. Unless a sink is supplied, cfg.Sink selects
// one; the postgres sink is migrated first when cfg.Migrate is set.
func New(ctx context.Context, cfg cfgpkg.Config, logger *slog.Logger, opts ...Option) (*orchestratorSvc, error) {
	s := &orchestratorSvc{
		Cfg:    cfg,
		Logger: logger,
		Tracer: otel.Tracer(instrumentationName),
		Meter:  otel.Meter(instrumentationName),
	}

	if err := s.registerInstruments(); err != nil {
		return nil, err
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.outSink == nil {
		if err := s.openSink(ctx); err != nil {
			return nil, err
		}
	}

	s.Queue = handoff.New[wire.SubMessage]()

	s.Accumulator = accumulator.New(accumulator.Config{
		Threshold:    cfg.Threshold,
		DrainBacklog: cfg.DrainBacklog,
		Clock:        s.clock,
	}, s.Queue, s.outSink, logger)
	s.Accumulator.SetMetricsCallbacks(
		func(rows int64) {
			s.IncrMetric(context.Background(), MetricFlushes, 1)
			s.IncrMetric(context.Background(), MetricRowsFlushed, rows)
		},
		func(n int64) { s.IncrMetric(context.Background(), MetricFlushFailed, n) },
	)

	serverOpts := []ingest.Option{
		ingest.WithReadBufferSize(cfg.ReadBufferSize),
		ingest.WithReadTimeout(cfg.ReadTimeout),
	}
	if s.decode != nil {
		serverOpts = append(serverOpts, ingest.WithDecoder(s.decode))
	}

	s.Server = ingest.NewServer(s, logger, serverOpts...)

	if err := s.registerGauges(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *orchestratorSvc) openSink(ctx context.Context) error {
	switch s.Cfg.Sink {
	case cfgpkg.SinkJSON:
		if s.Cfg.OutputFile == "" {
			s.outSink = sink.NewStdoutJSON()
			return nil
		}

		f, err := os.OpenFile(s.Cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrap(err, "open output file")
		}

		s.outFile = f
		s.outSink = sink.NewJSONSink(f)
	default:
		pg, err := store.Open(ctx, s.Cfg.DatabaseURL, s.Cfg.InsertStatement, s.Logger)
		if err != nil {
			return err
		}

		if s.Cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return err
			}
		}

		s.store = pg
		s.outSink = pg
	}

	return nil
}

// Run serves lis and accumulates until ctx is cancelled or either side hits
// a fatal error, which is returned. Both sides have stopped when Run returns.
func (s *orchestratorSvc) Run(ctx context.Context, lis net.Listener) error {
	ctx, span := s.Tracer.Start(ctx, "orchestrator.Run")
	defer span.End()

	span.SetAttributes(
		attribute.String("listen.addr", lis.Addr().String()),
		attribute.Int("threshold", s.Cfg.Threshold),
	)

	s.Logger.InfoContext(ctx, "pipeline starting",
		slog.String("listen_addr", lis.Addr().String()),
		slog.Int("threshold", s.Cfg.Threshold),
		slog.String("sink", s.Cfg.Sink),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Accumulator.Run(gctx) })
	g.Go(func() error { return s.Server.Serve(gctx, lis) })

	err := g.Wait()
	if err != nil {
		span.RecordError(err)
	}

	s.Logger.InfoContext(ctx, "pipeline stopped", slog.Int("queued_messages", s.Queue.Len()))

	return err
}

// Close releases the store connection pool or output file, if one was opened.
func (s *orchestratorSvc) Close() {
	if s.store != nil {
		s.store.Close()
		s.store = nil
	}

	if s.outFile != nil {
		if err := s.outFile.Close(); err != nil {
			s.Logger.Warn("closing output file", slog.String("err", err.Error()))
		}

		s.outFile = nil
	}
}

// Enqueue hands a decoded message to the accumulator without blocking.
func (s *orchestratorSvc) Enqueue(_ context.Context, msg wire.SubMessage) error {
	return s.Queue.Send(msg)
}

// Observe maps ingest events onto counters.
func (s *orchestratorSvc) Observe(ctx context.Context, ev ingest.Event, n int64) {
	switch ev {
	case ingest.EventAccepted:
		s.IncrMetric(ctx, MetricConnsAccepted, n)
	case ingest.EventReadFailed:
		s.IncrMetric(ctx, MetricReadsFailed, n)
	case ingest.EventDecodeFailed:
		s.IncrMetric(ctx, MetricDecodesFailed, n)
	case ingest.EventMessage:
		s.IncrMetric(ctx, MetricMessagesReceived, n)
	case ingest.EventRows:
		s.IncrMetric(ctx, MetricRowsReceived, n)
	}
}
