package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SUBCOUNT_THRESHOLD.
const EnvPrefix = "SUBCOUNT"

const (
	SinkPostgres = "postgres"
	SinkJSON     = "json"
)

// Config holds instance-level configuration for the service.
type Config struct {
	ListenAddr     string
	ReadBufferSize int
	ReadTimeout    time.Duration

	Threshold    int
	DrainBacklog bool

	Sink            string
	OutputFile      string
	DatabaseURL     string
	InsertStatement string
	Migrate         bool

	LogLevel        string
	GracefulTimeout time.Duration
}

var bindFlags = (*viper.Viper).BindPFlags

// RegisterFlags registers flags on fs and returns a reader that resolves them
// after parsing. Values come from, in order of precedence: flags set on the
// command line, SUBCOUNT_* environment variables, the file named by
// --config, then flag defaults.
func RegisterFlags(fs *pflag.FlagSet, v *viper.Viper) func() (Config, error) {
	fs.String("config", "", "Optional config file (yaml, toml or json)")
	fs.String("listen-addr", "0.0.0.0:3335", "The listen address")
	fs.Int("read-buffer-size", 2000, "Bytes read from each connection; longer payloads are truncated")
	fs.Duration("read-timeout", 0, "Per-connection read deadline (0 waits forever)")
	fs.Int("threshold", 1000, "Buffered rows that trigger a flush, and the size of each batch")
	fs.Bool("drain-backlog", true, "Keep flushing while the buffer holds at least one threshold of rows")
	fs.String("sink", SinkPostgres, "Row sink: postgres|json")
	fs.String("output-file", "", "Append JSON rows to this file instead of stdout (json sink)")
	fs.String("database-url", "postgresql://admin@localhost:5432/youtube", "PostgreSQL connection URL")
	fs.String("insert-statement", "INSERT INTO stats.channels (time, id, serial) VALUES ($1, $2, $3)", "Insert statement with (time, id, serial) placeholders")
	fs.Bool("migrate", false, "Create or update the target schema before serving")
	fs.String("log-level", "info", "Log level: debug|info|warn|error")
	fs.Duration("graceful-timeout", 10*time.Second, "Graceful shutdown timeout")

	bindErr := bindFlags(v, fs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return func() (Config, error) {
		if bindErr != nil {
			return Config{}, errors.Wrap(bindErr, "bind flags")
		}

		if path := v.GetString("config"); path != "" {
			v.SetConfigFile(path)

			if err := v.ReadInConfig(); err != nil {
				return Config{}, errors.Wrapf(err, "read config %s", path)
			}
		}

		cfg := Config{
			ListenAddr:      v.GetString("listen-addr"),
			ReadBufferSize:  v.GetInt("read-buffer-size"),
			ReadTimeout:     v.GetDuration("read-timeout"),
			Threshold:       v.GetInt("threshold"),
			DrainBacklog:    v.GetBool("drain-backlog"),
			Sink:            v.GetString("sink"),
			OutputFile:      v.GetString("output-file"),
			DatabaseURL:     v.GetString("database-url"),
			InsertStatement: v.GetString("insert-statement"),
			Migrate:         v.GetBool("migrate"),
			LogLevel:        v.GetString("log-level"),
			GracefulTimeout: v.GetDuration("graceful-timeout"),
		}

		return cfg, cfg.Validate()
	}
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Threshold < 1 {
		return errors.Errorf("threshold must be positive, got %d", c.Threshold)
	}

	if c.ReadBufferSize < 1 {
		return errors.Errorf("read-buffer-size must be positive, got %d", c.ReadBufferSize)
	}

	switch c.Sink {
	case SinkPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database-url is required for the postgres sink")
		}
	case SinkJSON:
	default:
		return errors.Errorf("unknown sink %q", c.Sink)
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.Wrapf(err, "log-level %q", c.LogLevel)
	}

	return l, nil
}
