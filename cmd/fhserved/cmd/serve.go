package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wavecast/fhserve/internal/auditlog"
	"github.com/wavecast/fhserve/internal/codecprobe"
	"github.com/wavecast/fhserve/internal/collab"
	"github.com/wavecast/fhserve/internal/config"
	"github.com/wavecast/fhserve/internal/fhcache"
	"github.com/wavecast/fhserve/internal/httpapi"
	"github.com/wavecast/fhserve/internal/httpapi/admin"
	"github.com/wavecast/fhserve/internal/httpapi/staticfs"
	"github.com/wavecast/fhserve/internal/httpapi/stream"
	"github.com/wavecast/fhserve/internal/mimereg"
	"github.com/wavecast/fhserve/internal/scheduler"
	"github.com/wavecast/fhserve/internal/sender"
	"github.com/wavecast/fhserve/internal/storage"
	"github.com/wavecast/fhserve/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fhserve server",
	Long: `Start the file-serving and fallback-streaming core.

Serves on-demand content and paced fallback streams from a configured
content directory, with an admin API for redirecting fallback mounts,
killing listeners, and reloading the MIME registry.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().String("content-dir", "", "content root (overrides config)")
}

// applyServeFlagOverrides mirrors initLogging's CLI-flag-wins-only-if-set
// precedence: BindPFlag would make an unset flag's zero value clobber a
// config file's setting, so overrides are applied by hand instead.
func applyServeFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("content-dir") {
		cfg.Storage.ContentDir, _ = cmd.Flags().GetString("content-dir")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyServeFlagOverrides(cmd, cfg)

	contentSandbox, err := storage.NewSandbox(cfg.Storage.ContentDir)
	if err != nil {
		return fmt.Errorf("initializing content sandbox: %w", err)
	}

	var adminSandbox *storage.Sandbox
	if cfg.Storage.AdminDir != "" {
		adminSandbox, err = storage.NewSandbox(cfg.Storage.AdminDir)
		if err != nil {
			return fmt.Errorf("initializing admin sandbox: %w", err)
		}
	}

	mime := mimereg.New()
	if err := mime.Reload(cfg.Storage.MimeTypesFile); err != nil {
		return fmt.Errorf("loading mime types: %w", err)
	}

	var audit *auditlog.Recorder
	if cfg.Audit.Driver != "" {
		audit, err = auditlog.Open(cfg.Audit)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer audit.Close()
	}

	provider := config.NewProvider(cfg)
	global := fhcache.NewBitrateMeter()

	var pool *scheduler.Pool
	cache := fhcache.New(contentSandbox, mime, logger,
		fhcache.WithAdminSandbox(adminSandbox),
		fhcache.WithConfigProvider(provider),
		fhcache.WithFormatPlugin(codecprobe.NewPlugin()),
		fhcache.WithStatsInterval(cfg.Scanner.Interval),
	)

	onTerminate := func(c scheduler.Client, tickErr error) {
		sc, ok := c.(*sender.Client)
		if !ok {
			return
		}
		cache.Release(sc.FH(), sc.Listener())
		pool.Remove(c.ClientID())
		logger.Debug("listener terminated", "id", c.ClientID(), "error", tickErr)
		if term, ok := sc.Listener().Conn.(stream.Terminator); ok {
			term.Terminate(tickErr)
		}
	}

	workers := cfg.Scanner.Workers
	if workers < 1 {
		workers = 1
	}
	pool = scheduler.NewPool(workers, logger, onTerminate)

	scan := func(now time.Time) {
		cache.Scan(now)
		global.Sample()
	}
	scanner, err := scheduler.NewScanner(fmt.Sprintf("@every %s", cfg.Scanner.Interval), logger, scan)
	if err != nil {
		return fmt.Errorf("initializing scanner: %w", err)
	}

	serverCfg := httpapi.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     httpapi.DefaultServerConfig().IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	server := httpapi.NewServer(serverCfg, logger, version.Version)

	adminHandler := admin.New(cache, mime, cfg.Storage.MimeTypesFile, audit, version.Version, logger)
	adminHandler.Register(server.API())
	adminHandler.RegisterKillClient(server.Router())

	streamHandler := stream.New(cache, pool, provider, collab.NopMover{}, global, logger)
	streamHandler.Register(server.Router())

	staticHandler := staticfs.New(contentSandbox, mime)
	server.Router().Handle("/static/*", http.StripPrefix("/static", staticHandler))

	pool.Start(context.Background())
	scanner.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting fhserve server",
		slog.String("host", serverCfg.Host),
		slog.Int("port", serverCfg.Port),
		slog.String("version", version.Version),
	)

	err = server.ListenAndServe(ctx)
	scanner.Stop(context.Background())
	pool.Stop()
	return err
}
