package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/bridges/otelslog"

	"github.com/subcount/ingester/internal/accumulator"
	cfgpkg "github.com/subcount/ingester/internal/config"
	"github.com/subcount/ingester/internal/ingest"
	"github.com/subcount/ingester/internal/orchestrator"
	otelsetup "github.com/subcount/ingester/internal/otel"
	"github.com/subcount/ingester/internal/wire"
)

const name = "github.com/subcount/ingester"

// version is set at build time with -ldflags "-X main.version=...".
var version = "develop"

// Process exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitListener = 3
	exitFlush    = 4
	exitHandoff  = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)

	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}

	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ingest.ErrListener):
		return exitListener
	case errors.Is(err, accumulator.ErrFlush):
		return exitFlush
	case errors.Is(err, ingest.ErrHandoff):
		return exitHandoff
	default:
		return exitFailure
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "subcount-ingester",
		Short:         "Ingest subscriber-count messages over TCP and store them in batches",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	readConfig := cfgpkg.RegisterFlags(cmd.Flags(), viper.New())

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		return serve(cmd.Context(), cfg, cmd.ErrOrStderr())
	}

	cmd.AddCommand(newSendCmd())

	return cmd
}

func serve(ctx context.Context, cfg cfgpkg.Config, telemetry io.Writer) (err error) {
	level, err := cfg.Level()
	if err != nil {
		return err
	}

	otelShutdown, err := otelsetup.Setup(ctx, otelsetup.Options{ServiceVersion: version, Writer: telemetry})
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.GracefulTimeout)
		defer cancel()

		err = errors.Join(err, otelShutdown(shutdownCtx))
	}()

	// Instance logger bridged to OTel.
	logger := slog.New(levelHandler{level: level, Handler: otelslog.NewHandler(name)})
	slog.SetDefault(logger)
	logger.Info("Starting application", slog.String("version", version))

	slog.Debug("Starting listener", slog.String("listenAddr", cfg.ListenAddr))

	lis, err := ingest.Listen(cfg.ListenAddr)
	if err != nil {
		return err
	}

	svc, err := orchestrator.New(ctx, cfg, logger)
	if err != nil {
		lis.Close()
		return err
	}
	defer svc.Close()

	if err := svc.Run(ctx, lis); err != nil {
		logger.Error("pipeline failed", slog.Any("error", err))
		return err
	}

	logger.Info("Shutdown complete")

	return nil
}

// levelHandler drops records below level before they reach the bridge.
type levelHandler struct {
	level slog.Leveler
	slog.Handler
}

func (h levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.level.Level() && h.Handler.Enabled(ctx, l)
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{level: h.level, Handler: h.Handler.WithAttrs(attrs)}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{level: h.level, Handler: h.Handler.WithGroup(name)}
}

func newSendCmd() *cobra.Command {
	var (
		addr    string
		ids     []int32
		subs    []int32
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one subscriber-count message to a running ingester",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := wire.SubMessage{IDs: ids, Subs: subs}
			if err := send(cmd.Context(), addr, m, timeout); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %d rows to %s\n", m.Len(), addr)

			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3335", "Ingester address")
	cmd.Flags().Int32SliceVar(&ids, "ids", nil, "Channel ids, comma separated")
	cmd.Flags().Int32SliceVar(&subs, "subs", nil, "Subscriber deltas paired with --ids")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Dial and write timeout")

	return cmd
}

// send writes m as a single payload on a fresh connection, which is how the
// ingester frames messages.
func send(ctx context.Context, addr string, m wire.SubMessage, timeout time.Duration) error {
	if len(m.IDs) != len(m.Subs) {
		return fmt.Errorf("%w: %d ids, %d subs", wire.ErrLengthMismatch, len(m.IDs), len(m.Subs))
	}

	d := net.Dialer{Timeout: timeout}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	_, err = conn.Write(wire.Marshal(m))

	return err
}
