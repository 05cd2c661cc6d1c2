package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calwatch/internal/aggregate"
	"calwatch/internal/config"
	"calwatch/internal/countdown"
	"calwatch/internal/ics"
	appLog "calwatch/internal/log"
	"calwatch/internal/notify"
	"calwatch/internal/pipeline"
	"calwatch/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	cacheDir   string
	listen     string
	once       bool
	debug      bool
}

func main() {
	appLog.Info("calwatch starting", "version", "0.1.0-dev")

	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"show_all_day", conf.ShowAllDay,
		"source_count", len(conf.Sources),
		"notifications_enabled", conf.Notifications.Enabled,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	fetcher := ics.NewFetcher(flags.cacheDir)
	store := aggregate.NewStore()
	pipe := pipeline.New(conf, fetcher, store)

	if flags.once {
		runOnce(ctx, conf, pipe, store)
		return
	}

	sched := notify.NewScheduler(store, 64)
	if err := sched.SetRules(conf.Rules()); err != nil {
		appLog.Error("invalid notification rules", err)
		os.Exit(1)
	}
	go sched.Run(ctx)

	// Drain fired notifications; in the daemon the alert surface is a
	// consumer of this queue, here we log each emission.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-sched.Fired():
				appLog.Info("notification",
					"message", f.Message,
					"source", f.Event.SourceID,
					"start", f.Event.Start.Format(time.RFC3339),
					"sound", f.Sound,
				)
			}
		}
	}()

	if err := pipe.Start(ctx); err != nil {
		appLog.Error("failed to start refresh pipeline", err, "cron", conf.RefreshCron)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:    conf.Listen,
		Handler: web.NewServer(conf, store, pipe).Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLog.Error("HTTP server shutdown failed", err)
		}
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		appLog.Error("HTTP server failed", err)
		os.Exit(1)
	}

	appLog.Info("calwatch exiting")
}

// runOnce performs a single fetch/aggregate pass and prints the result,
// useful for checking feeds without running the daemon.
func runOnce(ctx context.Context, conf *config.Config, pipe *pipeline.Pipeline, store *aggregate.Store) {
	pipe.Refresh(ctx)

	coll := store.Current()
	filter := countdown.DefaultFilter()
	filter.ShowAllDay = conf.ShowAllDay

	fmt.Printf("%d events aggregated from %d sources\n", len(coll), len(conf.Sources))
	for _, st := range pipe.Statuses() {
		fmt.Printf("  source %s: %s", st.ID, st.State)
		if st.Message != "" {
			fmt.Printf(" (%s)", st.Message)
		}
		fmt.Printf(", %d events\n", st.EventCount)
	}
	fmt.Println(countdown.Text(coll, time.Now(), filter))
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/calwatch/config.yaml", "Path to config file")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "Feed cache directory (default ./var/ics-cache)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch+aggregate cycle, print the result and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
