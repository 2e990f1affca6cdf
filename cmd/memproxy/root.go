package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pior/memproxy"
)

// settings are read from flags and the config file through viper, then
// overwritten by MEMPROXY_* environment variables.
type settings struct {
	Servers        []string `mapstructure:"servers" env:"MEMPROXY_SERVERS, overwrite"`
	Listen         string   `mapstructure:"listen" env:"MEMPROXY_LISTEN, overwrite"`
	MaxConns       int      `mapstructure:"max-conns" env:"MEMPROXY_MAX_CONNS, overwrite"`
	MaxIdle        int      `mapstructure:"max-idle" env:"MEMPROXY_MAX_IDLE, overwrite"`
	ClientPoolSize int      `mapstructure:"client-pool-size" env:"MEMPROXY_CLIENT_POOL_SIZE, overwrite"`
	Hash           string   `mapstructure:"hash" env:"MEMPROXY_HASH, overwrite"`
	CircuitBreaker bool     `mapstructure:"circuit-breaker" env:"MEMPROXY_CIRCUIT_BREAKER, overwrite"`
	MetricsAddr    string   `mapstructure:"metrics-addr" env:"MEMPROXY_METRICS_ADDR, overwrite"`
	Verbose        bool     `mapstructure:"verbose" env:"MEMPROXY_VERBOSE, overwrite"`
	LogFormat      string   `mapstructure:"log-format" env:"MEMPROXY_LOG_FORMAT, overwrite"`
}

// runError is a failure of the running proxy, as opposed to a usage or
// settings error.
type runError struct{ err error }

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

// exitCode maps the error of the root command to the process exit status:
// 64 (EX_USAGE) for flags and settings, 1 for runtime failures.
func exitCode(err error) int {
	var re *runError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &re):
		return 1
	default:
		return 64
	}
}

type app struct {
	v        *viper.Viper
	lookuper envconfig.Lookuper
	stderr   io.Writer
	run      func(ctx context.Context, log *clog.Logger, s settings) error
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memproxy",
		Short: "Sharding proxy for the memcached text protocol",
		Long: `memproxy accepts memcached text protocol clients and routes every request
to one of the configured servers by hashing its key. Multi-key gets are
split per key and merged back into a single reply.

Settings are read from flags, an optional config file (memproxy.yaml in
/etc/memproxy or the working directory) and MEMPROXY_* environment
variables, the environment taking precedence.`,
		Version:       memproxy.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.load(cmd)
			if err != nil {
				return a.fail(err)
			}
			if _, err := s.proxyConfig(); err != nil {
				return a.fail(err)
			}
			log, err := newLogger(a.stderr, s.LogFormat, s.Verbose)
			if err != nil {
				return a.fail(err)
			}
			ctx := clog.WithLogger(cmd.Context(), log)
			if err := a.run(ctx, log, s); err != nil {
				log.Error("memproxy failed", "error", err)
				return &runError{err: err}
			}
			return nil
		},
	}

	d := memproxy.DefaultConfig()
	flags := cmd.Flags()
	flags.String("config", "", "config file")
	flags.StringSliceP("servers", "s", nil, "memcached server host:port (repeatable)")
	flags.StringP("listen", "l", d.ListenAddr, "listen address")
	flags.IntP("max-conns", "n", d.MaxConns, "maximum number of client connections")
	flags.Int("max-idle", d.MaxIdle, "maximum idle connections per server")
	flags.Int("client-pool-size", d.ClientPoolSize, "client connection objects kept for reuse")
	flags.String("hash", "djb", "key placement: djb or jump")
	flags.Bool("circuit-breaker", false, "stop routing to failing servers")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address")
	flags.BoolP("verbose", "v", false, "log at debug level")
	flags.String("log-format", "text", "log format: text or json")

	_ = a.v.BindPFlags(flags)
	return cmd
}

func (a *app) fail(err error) error {
	fmt.Fprintf(a.stderr, "Error: %v\n", err)
	return err
}

// load merges the settings sources.
func (a *app) load(cmd *cobra.Command) (settings, error) {
	var s settings

	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		a.v.SetConfigFile(path)
	} else {
		a.v.SetConfigName("memproxy")
		a.v.AddConfigPath("/etc/memproxy")
		a.v.AddConfigPath(".")
	}
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return s, fmt.Errorf("read config: %w", err)
		}
	}

	if err := a.v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("decode config: %w", err)
	}

	err := envconfig.ProcessWith(cmd.Context(), &envconfig.Config{
		Target:   &s,
		Lookuper: a.lookuper,
	})
	if err != nil {
		return s, fmt.Errorf("environment: %w", err)
	}
	return s, nil
}

// proxyConfig converts s to a memproxy.Config.
func (s settings) proxyConfig() (memproxy.Config, error) {
	cfg := memproxy.DefaultConfig()
	cfg.Servers = s.Servers
	cfg.ListenAddr = s.Listen
	cfg.MaxConns = s.MaxConns
	cfg.MaxIdle = s.MaxIdle
	cfg.ClientPoolSize = min(s.ClientPoolSize, s.MaxConns)

	switch s.Hash {
	case "", "djb":
		cfg.SelectServer = memproxy.DefaultServerSelector
	case "jump":
		cfg.SelectServer = memproxy.JumpServerSelector
	default:
		return cfg, fmt.Errorf("unknown hash %q", s.Hash)
	}

	if s.CircuitBreaker {
		cfg.NewCircuitBreaker = memproxy.NewCircuitBreakerConfig(1, 10*time.Second, 5*time.Second)
	}
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer, format string, verbose bool) (*clog.Logger, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "text":
		return clog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return clog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func serve(ctx context.Context, log *clog.Logger, s settings) error {
	cfg, err := s.proxyConfig()
	if err != nil {
		return err
	}

	p, err := memproxy.New(ctx, cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Serve(ctx)
	})

	if s.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			memproxy.NewCollector(p),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv := &http.Server{
			Addr:              s.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info("serving metrics", "addr", s.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
