package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MegaGrindStone/calc-mcp"
	"github.com/MegaGrindStone/calc-mcp/internal/config"
	"github.com/MegaGrindStone/calc-mcp/servers/calculator"
	"github.com/MegaGrindStone/calc-mcp/store/boltstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type serveOpts struct {
	configPath string
	addr       string
	transport  string
	store      string
	logLevel   string
}

// app is the assembled server: dispatcher, HTTP routes and the resources to release on exit.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	server  mcp.Server
	handler http.Handler
	closers []func() error
}

func newServeCommand() *cobra.Command {
	opts := serveOpts{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the calculator MCP server over HTTP or stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			// Logs go to stderr so they never mix with stdio protocol traffic.
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Server.Transport == config.TransportStdIO {
				return a.serveStdIO(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			return a.serveHTTP(ctx)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "HTTP listen address, overrides http.addr")
	cmd.Flags().StringVar(&opts.transport, "transport", "", "transport to serve: http or stdio")
	cmd.Flags().StringVar(&opts.store, "store", "", "session store: memory or bolt")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	return cmd
}

func (o serveOpts) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = o.addr
	}
	if flags.Changed("transport") {
		cfg.Server.Transport = o.transport
	}
	if flags.Changed("store") {
		cfg.Session.Store = o.store
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	tools, err := calculator.NewToolRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to build tools: %w", err)
	}

	sessions, err := a.newSessionRegistry()
	if err != nil {
		return nil, err
	}

	options := []mcp.ServerOption{
		mcp.WithToolServer(tools),
		mcp.WithResourceServer(calculator.HelpResources{}),
		mcp.WithSessionRegistry(sessions),
		mcp.WithInstructions(cfg.Server.Instructions),
		mcp.WithSessionIdleTimeout(cfg.Session.IdleTimeout),
		mcp.WithSessionReapInterval(cfg.Session.ReapInterval),
		mcp.WithServerLogger(logger),
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		options = append(options, mcp.WithMetrics(mcp.NewMetrics(reg)))
	}

	a.server = mcp.NewServer(mcp.Info{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, options...)

	handler, err := mcp.NewHTTPHandler(a.server,
		mcp.WithEndpoint(cfg.HTTP.Path),
		mcp.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
		mcp.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
		mcp.WithKeepAliveInterval(cfg.Session.KeepAliveInterval),
		mcp.WithHTTPLogger(logger),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.HTTP.Path, handler)
	mux.Handle("GET /{$}", handler.HandleInfo())
	mux.Handle("GET /health", handler.HandleHealth())
	if reg != nil {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}
	a.handler = mux

	return a, nil
}

func (a *app) newSessionRegistry() (mcp.SessionRegistry, error) {
	switch a.cfg.Session.Store {
	case config.StoreBolt:
		reg, err := boltstore.Open(a.cfg.Session.BoltPath, boltstore.WithMaxSessions(a.cfg.Session.MaxSessions))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, reg.Close)
		a.logger.Info("using bolt session store", slog.String("path", a.cfg.Session.BoltPath))
		return reg, nil
	default:
		return mcp.NewMemorySessionRegistry(a.cfg.Session.MaxSessions), nil
	}
}

func (a *app) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
		// Request contexts derive from ctx, so open event streams end on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := a.server.Serve(ctx); err != nil {
			a.logger.Error("session reaper stopped", slog.String("err", err.Error()))
		}
	}()

	listenErrs := make(chan error, 1)
	go func() {
		a.logger.Info("listening",
			slog.String("addr", a.cfg.HTTP.Addr),
			slog.String("path", a.cfg.HTTP.Path))
		listenErrs <- srv.ListenAndServe()
	}()

	select {
	case err := <-listenErrs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve HTTP: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (a *app) serveStdIO(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.server.Serve(ctx); err != nil {
			a.logger.Error("session reaper stopped", slog.String("err", err.Error()))
		}
	}()

	a.logger.Info("serving on stdio")
	return mcp.NewStdIO(a.server, in, out, mcp.WithStdIOLogger(a.logger)).Serve(ctx)
}

func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("failed to release resource", slog.String("err", err.Error()))
		}
	}
	a.closers = nil
}
