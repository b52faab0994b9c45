// Command magicwired runs a standalone wire server hosting the demo counter
// topology, with optional Redis-backed session data and a watched directory
// exposed as a live object.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/DasDarki/MagicWire"
	"github.com/DasDarki/MagicWire/examples/counter"
	"github.com/DasDarki/MagicWire/fsobject"
	"github.com/DasDarki/MagicWire/metrics"
	"github.com/DasDarki/MagicWire/sessions"
	"github.com/DasDarki/MagicWire/sessions/redisstore"
	"github.com/DasDarki/MagicWire/wirehttp"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "magicwired",
		Short:         "Stateful wire object server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "magicwired: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the wire endpoints over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to TOML config file")

	return cmd
}

func run(ctx context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))

	promReg := prometheus.NewRegistry()
	collector := metrics.New(promReg)

	var store sessions.DataStore
	if cfg.RedisAddr != "" {
		rs, err := redisstore.New(redisstore.Config{RedisAddr: cfg.RedisAddr})
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		store = rs
		log.InfoContext(ctx, "store.redis", slog.String("addr", cfg.RedisAddr))
	}

	opts := []magicwire.Option{
		magicwire.WithLogger(log),
		magicwire.WithMetrics(collector),
		magicwire.WithHooks(collector),
	}
	if store != nil {
		opts = append(opts, magicwire.WithDataStore(store))
	}
	if d := cfg.GracePeriod(); d > 0 {
		opts = append(opts, magicwire.WithGracePeriod(d))
	}
	app := magicwire.New(opts...)
	if err := app.Register(counter.Objects(app)...); err != nil {
		return err
	}

	if cfg.WatchDir != "" {
		dir, err := fsobject.New("files", cfg.WatchDir, fsobject.WithLogger(log))
		if err != nil {
			return fmt.Errorf("watch %s: %w", cfg.WatchDir, err)
		}
		defer dir.Close()
		if err := app.Register(dir.Object); err != nil {
			return err
		}
	}

	wh, err := app.Handler(
		wirehttp.WithBasePath(cfg.BasePath),
		wirehttp.WithServerName("magicwired/"+version),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.BasePath+"/", wh)
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "server.listen",
			slog.String("addr", cfg.Listen),
			slog.String("base_path", cfg.BasePath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.InfoContext(shutdownCtx, "server.shutdown")
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
