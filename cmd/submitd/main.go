package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/migadu/submitd/config"
	"github.com/migadu/submitd/logger"
	errorsPkg "github.com/migadu/submitd/pkg/errors"
	"github.com/migadu/submitd/pkg/health"
	"github.com/migadu/submitd/pkg/metrics"
	"github.com/migadu/submitd/server/delivery"
	"github.com/migadu/submitd/server/httpapi"
	"github.com/migadu/submitd/server/smtp"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath = "config.toml"
	capacityThreshold = 0.9
)

func main() {
	errorHandler := errorsPkg.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", defaultConfigPath, "Path to TOML configuration file")
	debug := flag.Bool("debug", false, "Log at debug level (overrides config)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("submitd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errorsPkg.ExitOK)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SUBMITD: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SUBMITD: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Info("submitd starting", "version", version, "commit", commit, "built", date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, errorHandler); err != nil {
		errorHandler.FatalError("server operation", err)
	}
	if code := errorHandler.ExitCode(); code != errorsPkg.ExitOK {
		os.Exit(code)
	}
	errorHandler.Shutdown(ctx)
	logger.Info("submitd stopped")
}

// loadAndValidateConfig applies the config file, environment overrides and
// validation, exiting on any error.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errorsPkg.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == defaultConfigPath {
			logger.Info("Default configuration file not found, using defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		errorHandler.ValidationError("environment", err)
		os.Exit(errorHandler.WaitForExit())
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// run binds every listener, then serves until ctx is cancelled or one of
// the servers fails. Bind failures are reported as startup errors and
// return nil.
func run(ctx context.Context, cfg config.Config, errorHandler *errorsPkg.ErrorHandler) error {
	smtpServer, err := newSMTPServer(ctx, cfg.SMTP)
	if err != nil {
		errorHandler.ValidationError("smtp", err)
		return nil
	}
	if err := smtpServer.Listen(); err != nil {
		errorHandler.StartupError("SMTP listener", err)
		return nil
	}

	var httpServer *httpapi.Server
	var httpListener net.Listener

	monitor := health.NewHealthMonitor()
	monitor.RegisterCheck(health.BannerCheck("smtp", smtpServer.Addr().String()))
	monitor.RegisterCheck(health.CapacityCheck("smtp_capacity", smtpServer, capacityThreshold))

	if cfg.HTTP.Enabled {
		httpServer, err = httpapi.New(httpapi.ServerOptions{Addr: cfg.HTTP.Addr, Health: monitor})
		if err != nil {
			errorHandler.ValidationError("http", err)
			return nil
		}
		httpListener, err = net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			errorHandler.StartupError("HTTP listener", err)
			return nil
		}
	}

	var metricsListener net.Listener
	if cfg.Metrics.Enabled {
		metricsListener, err = net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			errorHandler.StartupError("metrics listener", err)
			return nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(smtpServer.Serve)
	g.Go(func() error {
		<-gctx.Done()
		smtpServer.Close()
		return nil
	})

	if httpServer != nil {
		g.Go(func() error { return httpServer.Serve(gctx, httpListener) })
	}
	if metricsListener != nil {
		g.Go(func() error { return serveMetrics(gctx, metricsListener, cfg.Metrics.Path) })
	}

	collector := metrics.NewCollector(0, smtpServer)
	g.Go(func() error {
		collector.Start(gctx)
		return nil
	})

	monitor.Start(gctx)
	defer monitor.Stop()

	return g.Wait()
}

func newSMTPServer(ctx context.Context, cfg config.SMTPServerConfig) (*smtp.Server, error) {
	return smtp.New(ctx, cfg.Name, cfg.Domain, cfg.Addr(), smtp.SMTPServerOptions{
		MaxConnections:      cfg.MaxConnections,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		MaxLineLength:       cfg.MaxLineLength,
		MaxMessageSize:      cfg.GetMaxMessageSizeWithDefault(),
		CommandTimeout:      cfg.GetCommandTimeoutWithDefault(),
		WriteTimeout:        cfg.GetWriteTimeoutWithDefault(),
		ListenBacklog:       cfg.ListenBacklog,
		Deliverer:           delivery.NewLogDeliverer(0),
	})
}

// serveMetrics exposes the Prometheus registry on ln until ctx is done.
func serveMetrics(ctx context.Context, ln net.Listener, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", "addr", ln.Addr().String(), "path", path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
