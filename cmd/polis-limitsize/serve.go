package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-limitsize/pkg/config"
	"github.com/polisai/polis-limitsize/pkg/filter"
	"github.com/polisai/polis-limitsize/pkg/logging"
	"github.com/polisai/polis-limitsize/pkg/proxy"
	"github.com/polisai/polis-limitsize/pkg/telemetry"
)

const (
	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

// serveFlags holds the command line overrides of the serve command.
type serveFlags struct {
	configPath   string
	dataAddr     string
	adminAddr    string
	upstream     string
	filterConfig string
	logLevel     string
	pretty       bool
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			if err := flags.apply(cfg); err != nil {
				return err
			}

			logger := logging.NewLogger(logging.Config{
				Level:  cfg.Logging.Level,
				Pretty: cfg.Logging.Pretty,
			})
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Path to the process configuration file (YAML)")
	cmd.Flags().StringVar(&flags.dataAddr, "data-listen", "", "HTTP listen address for the data plane proxy")
	cmd.Flags().StringVar(&flags.adminAddr, "admin-listen", "", "HTTP listen address for the admin endpoints")
	cmd.Flags().StringVarP(&flags.upstream, "upstream", "u", "", "Upstream base URL")
	cmd.Flags().StringVarP(&flags.filterConfig, "filter-config", "f", "", "Path to the filter configuration (JSON)")
	cmd.Flags().StringVarP(&flags.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&flags.pretty, "pretty", false, "Enable human readable logs")
	return cmd
}

// apply overlays the flags on the loaded configuration and validates the result.
func (f *serveFlags) apply(cfg *config.Config) error {
	if f.dataAddr != "" {
		cfg.Server.DataAddress = f.dataAddr
	}
	if f.adminAddr != "" {
		cfg.Server.AdminAddress = f.adminAddr
	}
	if f.upstream != "" {
		cfg.Server.UpstreamURL = f.upstream
	}
	if f.filterConfig != "" {
		cfg.Filter.ConfigFile = f.filterConfig
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.pretty {
		cfg.Logging.Pretty = true
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if cfg.Server.UpstreamURL == "" {
		return errors.New("an upstream URL is required (--upstream or server.upstream_url)")
	}
	return nil
}

// run orchestrates the application lifecycle until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Environment:    os.Getenv("PROXY_ENVIRONMENT"),
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	metrics := telemetry.NewMetrics()
	root := filter.NewRoot(cfg.Filter.RootID, logger,
		filter.WithRecorder(metrics),
		filter.WithVersion(serviceName, version),
	)

	source, err := configureRoot(ctx, root, cfg.Filter, metrics, logger)
	if err != nil {
		return err
	}
	if source != nil {
		defer func() {
			if err := source.Close(); err != nil {
				logger.Error("failed to close filter config watcher", "error", err)
			}
		}()
	}

	upstream, err := url.Parse(cfg.Server.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream url: %w", err)
	}
	handler := proxy.NewHandler(proxy.Config{
		Root:     root,
		Upstream: upstream,
		Logger:   logger,
		Metrics:  metrics,
	})

	dataSrv := &http.Server{
		Handler:      otelhttp.NewHandler(handler, "proxy.data"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	adminSrv := &http.Server{
		Handler:           newAdminMux(root, metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	if err := serve(dataSrv, cfg.Server.DataAddress, "data plane", logger, errCh); err != nil {
		return err
	}
	defer shutdownServer(dataSrv, "data plane", logger)
	if err := serve(adminSrv, cfg.Server.AdminAddress, "admin", logger, errCh); err != nil {
		return err
	}
	defer shutdownServer(adminSrv, "admin", logger)

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, initiating graceful shutdown")
		return nil
	case err := <-errCh:
		return err
	}
}

// configureRoot starts the filter root and applies its configuration file, if
// any. A configuration rejected at startup is fatal; later rejections keep the
// running snapshot.
func configureRoot(ctx context.Context, root *filter.Root, settings config.FilterSettings, metrics *telemetry.Metrics, logger *slog.Logger) (*config.FileFilterSource, error) {
	if !root.OnVMStart([]byte(settings.VMConfig)) {
		return nil, errors.New("filter failed to start")
	}

	if settings.ConfigFile == "" {
		root.OnConfigure(nil)
		return nil, nil
	}

	source, err := config.NewFileFilterSource(settings.ConfigFile, root.OnConfigure, logger,
		config.WithReloadObserver(metrics.RecordConfigReload),
	)
	if err != nil {
		return nil, err
	}

	accepted, err := source.Load()
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, fmt.Errorf("filter configuration %s rejected", source.Path())
	}

	if settings.Watch {
		if err := source.Watch(ctx); err != nil {
			return nil, err
		}
		logger.Info("watching filter configuration", "path", source.Path())
		return source, nil
	}
	return nil, nil
}

func serve(server *http.Server, addr, name string, logger *slog.Logger, errCh chan<- error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s server listen error: %w", name, err)
	}
	logger.Info(name+" server listening", "address", ln.Addr().String())

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server error: %w", name, err)
		}
	}()
	return nil
}

func shutdownServer(server *http.Server, name string, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error(name+" server shutdown error", "error", err)
	}
}

// newAdminMux serves health, metrics and the current filter snapshot.
func newAdminMux(root *filter.Root, metrics *telemetry.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/config", func(w http.ResponseWriter, _ *http.Request) {
		snapshot, err := root.Snapshot().Encode()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			RootID uint32          `json:"rootId"`
			Phase  string          `json:"phase"`
			Config json.RawMessage `json:"config"`
		}{
			RootID: root.ID(),
			Phase:  root.Phase().String(),
			Config: snapshot,
		})
	})
	return mux
}
