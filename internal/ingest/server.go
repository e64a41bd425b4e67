// Package ingest accepts raw TCP connections, each carrying one encoded
// SubMessage, and hands decoded messages downstream.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/subcount/ingester/internal/wire"
)

// DefaultReadBufferSize is larger than any message the producers send.
const DefaultReadBufferSize = 2000

var (
	// ErrListener marks a bind or accept failure.
	ErrListener = errors.New("listener failed")
	// ErrHandoff marks a message that could not be passed downstream.
	ErrHandoff = errors.New("handoff failed")
)

// Event names a counter the server reports to its Pipeline.
type Event int

const (
	EventAccepted Event = iota
	EventReadFailed
	EventDecodeFailed
	EventMessage
	EventRows
)

// Pipeline is the downstream side of the ingestion loop.
type Pipeline interface {
	// Enqueue must not block on anything but the handoff itself.
	Enqueue(ctx context.Context, msg wire.SubMessage) error
	Observe(ctx context.Context, ev Event, n int64)
}

// DecodeFunc turns one payload into a message.
type DecodeFunc func([]byte) (wire.SubMessage, error)

type Option func(*Server)

// WithDecoder replaces wire.Unmarshal.
func WithDecoder(d DecodeFunc) Option { return func(s *Server) { s.decode = d } }

// WithReadBufferSize sets the scratch buffer capacity. Payloads longer than
// this are truncated by the read.
func WithReadBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buf = make([]byte, n)
		}
	}
}

// WithReadTimeout sets a per-connection read deadline. Zero waits forever.
func WithReadTimeout(d time.Duration) Option { return func(s *Server) { s.readTimeout = d } }

// Server handles one connection at a time.
type Server struct {
	pipeline    Pipeline
	logger      *slog.Logger
	decode      DecodeFunc
	readTimeout time.Duration

	// Reused across connections; only buf[:n] of the latest read is used.
	buf []byte
}

func NewServer(p Pipeline, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		logger:   logger,
		decode:   wire.Unmarshal,
		buf:      make([]byte, DefaultReadBufferSize),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Listen binds addr, wrapping failures with ErrListener.
func Listen(addr string) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrListener, err)
	}

	return lis, nil
}

// Serve accepts connections on lis until ctx is cancelled (returns nil), the
// listener fails (ErrListener) or the handoff fails (ErrHandoff). Cancelling
// ctx closes lis.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = lis.Close() })
	defer stop()

	s.logger.InfoContext(ctx, "accepting connections", slog.String("addr", lis.Addr().String()))

	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			s.logger.ErrorContext(ctx, "accept failed", slog.String("err", err.Error()))

			return fmt.Errorf("%w: %w", ErrListener, err)
		}

		if err := s.handle(ctx, conn); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}
	}
}

// handle reads once from conn and enqueues the decoded message. Read and
// decode failures only drop this connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	// Cancellation unblocks a Read on an idle client.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.pipeline.Observe(ctx, EventAccepted, 1)

	remote := conn.RemoteAddr().String()

	if s.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.logger.WarnContext(ctx, "read deadline not applied", slog.String("remote", remote), slog.String("err", err.Error()))
		}
	}

	n, err := conn.Read(s.buf)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, io.EOF) {
			s.logger.DebugContext(ctx, "empty connection", slog.String("remote", remote))
			return nil
		}

		s.logger.WarnContext(ctx, "read failed", slog.String("remote", remote), slog.String("err", err.Error()))
		s.pipeline.Observe(ctx, EventReadFailed, 1)

		return nil
	}

	if n == len(s.buf) {
		s.logger.WarnContext(ctx, "payload filled the read buffer and may be truncated",
			slog.String("remote", remote), slog.Int("bytes", n))
	}

	msg, err := s.decode(s.buf[:n])
	if err != nil {
		s.logger.WarnContext(ctx, "decode failed", slog.String("remote", remote), slog.Int("bytes", n), slog.String("err", err.Error()))
		s.pipeline.Observe(ctx, EventDecodeFailed, 1)

		return nil
	}

	s.logger.DebugContext(ctx, "message received", slog.String("remote", remote), slog.Int("bytes", n), slog.Int("rows", msg.Len()))

	if err := s.pipeline.Enqueue(ctx, msg); err != nil {
		s.logger.ErrorContext(ctx, "handoff failed", slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrHandoff, err)
	}

	s.pipeline.Observe(ctx, EventMessage, 1)
	s.pipeline.Observe(ctx, EventRows, int64(msg.Len()))

	return nil
}
