package orchestrator

import (
	"context"

	otelmetric "go.opentelemetry.io/otel/metric"
)

// MetricType enumerates orchestrator metric counters.
type MetricType int

const (
	MetricConnsAccepted MetricType = iota
	MetricReadsFailed
	MetricDecodesFailed
	MetricMessagesReceived
	MetricRowsReceived
	MetricFlushes
	MetricRowsFlushed
	MetricFlushFailed
)

func (s *orchestratorSvc) registerInstruments() error {
	var err error
	if s.ConnsAccepted, err = s.Meter.Int64Counter(
		"subcount.connections.accepted",
		otelmetric.WithDescription("Connections accepted by the ingest listener"),
		otelmetric.WithUnit("{connection}"),
	); err != nil {
		return err
	}

	if s.ReadsFailed, err = s.Meter.Int64Counter(
		"subcount.reads.failed",
		otelmetric.WithDescription("Connections abandoned because the read failed"),
		otelmetric.WithUnit("{connection}"),
	); err != nil {
		return err
	}

	if s.DecodesFailed, err = s.Meter.Int64Counter(
		"subcount.decodes.failed",
		otelmetric.WithDescription("Payloads discarded because they did not decode"),
		otelmetric.WithUnit("{message}"),
	); err != nil {
		return err
	}

	if s.MessagesReceived, err = s.Meter.Int64Counter(
		"subcount.messages.received",
		otelmetric.WithDescription("Decoded messages handed to the accumulator"),
		otelmetric.WithUnit("{message}"),
	); err != nil {
		return err
	}

	if s.RowsReceived, err = s.Meter.Int64Counter(
		"subcount.rows.received",
		otelmetric.WithDescription("Rows carried by decoded messages"),
		otelmetric.WithUnit("{row}"),
	); err != nil {
		return err
	}

	if s.Flushes, err = s.Meter.Int64Counter(
		"subcount.flushes",
		otelmetric.WithDescription("Committed batches"),
		otelmetric.WithUnit("{flush}"),
	); err != nil {
		return err
	}

	if s.RowsFlushed, err = s.Meter.Int64Counter(
		"subcount.rows.flushed",
		otelmetric.WithDescription("Rows committed to the sink"),
		otelmetric.WithUnit("{row}"),
	); err != nil {
		return err
	}

	if s.FlushFailed, err = s.Meter.Int64Counter(
		"subcount.flush.failed",
		otelmetric.WithDescription("Failed batch writes"),
		otelmetric.WithUnit("{failure}"),
	); err != nil {
		return err
	}

	return nil
}

// registerGauges observes the buffer and queue depth; it needs the
// accumulator and queue to exist.
func (s *orchestratorSvc) registerGauges() error {
	_, err := s.Meter.Int64ObservableGauge(
		"subcount.buffer.rows",
		otelmetric.WithDescription("Rows buffered awaiting a flush"),
		otelmetric.WithUnit("{row}"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(s.Accumulator.Buffered()))
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = s.Meter.Int64ObservableGauge(
		"subcount.handoff.depth",
		otelmetric.WithDescription("Decoded messages waiting for the accumulator"),
		otelmetric.WithUnit("{message}"),
		otelmetric.WithInt64Callback(func(_ context.Context, o otelmetric.Int64Observer) error {
			o.Observe(int64(s.Queue.Len()))
			return nil
		}),
	)

	return err
}

// IncrMetric increments the selected metric by n (if n > 0).
func (s *orchestratorSvc) IncrMetric(ctx context.Context, mt MetricType, n int64) {
	if n <= 0 {
		return
	}

	switch mt {
	case MetricConnsAccepted:
		s.ConnsAccepted.Add(ctx, n)
	case MetricReadsFailed:
		s.ReadsFailed.Add(ctx, n)
	case MetricDecodesFailed:
		s.DecodesFailed.Add(ctx, n)
	case MetricMessagesReceived:
		s.MessagesReceived.Add(ctx, n)
	case MetricRowsReceived:
		s.RowsReceived.Add(ctx, n)
	case MetricFlushes:
		s.Flushes.Add(ctx, n)
	case MetricRowsFlushed:
		s.RowsFlushed.Add(ctx, n)
	case MetricFlushFailed:
		s.FlushFailed.Add(ctx, n)
	}
}
