// Site Kit Daemon - serves cached provider reports and integration status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/blogkit/sitekit/internal/api"
	"github.com/blogkit/sitekit/internal/app"
	"github.com/blogkit/sitekit/internal/config"
	"github.com/blogkit/sitekit/internal/logging"
	"github.com/blogkit/sitekit/internal/scheduler"
)

var (
	configPath string
	dataDir    string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "sitekitd",
		Short:        "Site Kit Daemon - Google reporting for your blog",
		SilenceUsage: true,
		RunE:         runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.json)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.SetDataDir(dataDir)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	logging.SetFormat(cfg.Logging.Format)
	logging.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	defer logging.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	sched := scheduler.New()
	if cfg.Cache.GCInterval > 0 {
		if err := sched.Register(scheduler.CacheGCTask(a.Cache, cfg.Cache.GCInterval)); err != nil {
			return multierr.Append(err, a.Close())
		}
	}
	if err := sched.Start(ctx); err != nil {
		return multierr.Append(err, a.Close())
	}

	if cfg.Security.AdminJWTSecret == "" {
		logging.Warn("admin JWT secret not set; /api/v1 is unauthenticated")
	}
	server := api.New(api.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Status:         a.Status,
		Reports:        a.Reports,
		Health:         a.DB,
		AdminJWTSecret: cfg.Security.AdminJWTSecret,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	logging.WithFields(map[string]interface{}{
		"database":      cfg.Database.Driver,
		"cache":         cfg.Cache.Backend,
		"ttl":           a.Reports.TTL().String(),
		"safety_margin": a.Refresher.SafetyMargin().String(),
	}).Info("Site Kit daemon started")

	var runErr error
	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()

	sched.Stop()
	return multierr.Combine(
		runErr,
		server.Stop(shutdownCtx),
		a.Close(),
	)
}
