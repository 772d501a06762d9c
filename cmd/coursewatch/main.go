package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"coursewatch/internal/calendar"
	"coursewatch/internal/config"
	appLog "coursewatch/internal/log"
	"coursewatch/internal/model"
	"coursewatch/internal/notify"
	"coursewatch/internal/poll"
	"coursewatch/internal/report"
	"coursewatch/internal/scrape"
	"coursewatch/internal/snapshot"
	"coursewatch/internal/web"
)

const version = "1.0.0"

// flagConfig holds CLI flag values. Non-empty values override the config file.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	fetcher    string
	once       bool
	paused     bool
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if err := run(flags); err != nil {
		appLog.Error("coursewatch failed", err)
		appLog.Close()
		os.Exit(1)
	}
	appLog.Close()
}

func parseFlags(args []string) (flagConfig, error) {
	var cfg flagConfig

	fs := pflag.NewFlagSet("coursewatch", pflag.ContinueOnError)
	fs.StringVarP(&cfg.configPath, "config", "c", "config.yaml", "path to config file (created with defaults if missing)")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	fs.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")
	fs.StringVar(&cfg.fetcher, "fetcher", "", `page fetcher: "http" or "browser" (overrides config if set)`)
	fs.BoolVar(&cfg.once, "once", false, "poll every watched course once and exit")
	fs.BoolVar(&cfg.paused, "paused", false, "start with polling paused until POST /api/start")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return cfg, nil
}

func run(flags flagConfig) error {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.Log.Level = flags.logLevel
	}
	if flags.fetcher != "" {
		conf.Upstream.Fetcher = flags.fetcher
		conf.Normalize()
	}

	appLog.SetLevel(appLog.ParseLevel(conf.Log.Level))
	if conf.Log.File != "" {
		if err := appLog.OpenFile(conf.Log.File); err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}

	appLog.Info("coursewatch starting", "version", version)
	appLog.Info("effective config",
		"config_path", flags.configPath,
		"listen", conf.Listen,
		"interval_seconds", conf.Poll.IntervalSeconds,
		"course_timeout_seconds", conf.Poll.CourseTimeoutSeconds,
		"fetcher", conf.Upstream.Fetcher,
		"login", conf.Upstream.Username != "",
		"discord", conf.Notify.DiscordWebhook != "",
		"report_cron", conf.Report.Cron,
		"watches", len(conf.Watches),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			appLog.Info("signal received, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	fetcher, closeFetcher := newFetcher(ctx, conf)
	defer closeFetcher()
	scraper := scrape.NewScraper(fetcher, scrape.NewParser(conf.Parser))
	store := snapshot.NewStore()

	var loop *poll.Loop
	hub := web.NewHub(func() any { return loop.Status() })

	sinks := notify.Multi{notify.LogSink{}, hub}
	if conf.Notify.DiscordWebhook != "" {
		sinks = append(sinks, notify.NewDiscordWebhook(conf.Notify.DiscordWebhook, conf.Notify.Mention))
	}

	loop = poll.NewLoop(scraper, store, sinks, poll.Options{
		Interval:      conf.Interval(),
		CourseTimeout: conf.CourseTimeout(),
		Running:       conf.AutostartEnabled() && !flags.paused,
		Watches:       toWatched(conf.Watches),
		OnWatchesChanged: func(ws []model.WatchedCourse) {
			if err := config.SaveWatches(flags.configPath, toWatchConfigs(ws)); err != nil {
				appLog.Error("failed to persist watch list", err, "config_path", flags.configPath)
			}
		},
	})

	if flags.once {
		return runOnce(ctx, loop)
	}

	loc := calendar.LoadLocation(conf.Calendar.Timezone)
	reporter := report.NewReporter(loop, func(d report.Digest) {
		hub.Broadcast(web.Message{Type: web.MsgDigest, Payload: d})
	})
	if conf.Report.Cron != "" {
		sched, err := report.NewScheduler(conf.Report.Cron, loc, reporter)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			sched.Stop(stopCtx)
		}()
	}

	srv := &http.Server{
		Addr: conf.Listen,
		Handler: web.NewServer(conf, web.Deps{
			Loop:      loop,
			Snapshots: store,
			Calendar: calendar.NewBuilder(calendar.Config{
				Location:      loc,
				SessionLength: time.Duration(conf.Calendar.SessionMinutes) * time.Minute,
			}),
			Hub: hub,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-srvErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
		cancel()
	}

	if err := web.Shutdown(srv, hub, 10*time.Second); err != nil {
		appLog.Error("http server shutdown failed", err)
	}
	<-loopDone

	reporter.Publish(context.Background())
	appLog.Info("coursewatch exiting")
	return runErr
}

// runOnce polls every watched course a single time. It fails when any
// course failed.
func runOnce(ctx context.Context, loop *poll.Loop) error {
	if len(loop.Watches()) == 0 {
		appLog.Warn("no watched courses configured")
		return nil
	}
	tick := loop.Tick(ctx)
	if n := tick.Failed(); n > 0 {
		return fmt.Errorf("%d of %d courses failed", n, len(tick.Results))
	}
	return nil
}

func newFetcher(ctx context.Context, conf *config.Config) (scrape.Fetcher, func()) {
	if conf.Upstream.Fetcher == config.FetcherBrowser {
		b := scrape.NewBrowserFetcher(ctx, conf.Upstream)
		return b, b.Close
	}
	return scrape.NewHTTPFetcher(conf.Upstream), func() {}
}

func toWatched(in []config.WatchConfig) []model.WatchedCourse {
	out := make([]model.WatchedCourse, 0, len(in))
	for _, w := range in {
		out = append(out, model.WatchedCourse{URL: w.URL, Title: w.Title})
	}
	return out
}

func toWatchConfigs(in []model.WatchedCourse) []config.WatchConfig {
	out := make([]config.WatchConfig, 0, len(in))
	for _, w := range in {
		out = append(out, config.WatchConfig{URL: w.URL, Title: w.Title})
	}
	return out
}
