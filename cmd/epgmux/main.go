// Command epgmux: guide refresh, merged XMLTV and channel auto-mapping.
//
//	serve       Seed sources, refresh on start and on an interval, serve the HTTP API and /guide.xml
//	refresh     One refresh of all configured sources, then exit
//	match       Auto-map channels to guide ids from the combined index
//	add-source  Add an EPG source to the database
//	probe       Request every source once and report status, encoding and size
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/snapetech/epgmux/internal/api"
	"github.com/snapetech/epgmux/internal/channels"
	"github.com/snapetech/epgmux/internal/config"
	"github.com/snapetech/epgmux/internal/epglink"
	"github.com/snapetech/epgmux/internal/epgstore"
	"github.com/snapetech/epgmux/internal/fetch"
	"github.com/snapetech/epgmux/internal/httpclient"
	"github.com/snapetech/epgmux/internal/refresh"
)

// setupLogging sends the standard logger to stdout and, when a log file is
// configured, to a size-rotated file as well.
func setupLogging(cfg *config.Config) io.Closer {
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[epgmux] ")
	if cfg.LogFile == "" {
		return io.NopCloser(nil)
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, lj))
	return lj
}

func fetchOptions(cfg *config.Config) fetch.Options {
	return fetch.Options{
		Client: httpclient.New(cfg.FetchTimeout),
		Retry: httpclient.RetryPolicy{
			Attempts:  uint(cfg.FetchAttempts),
			BaseDelay: cfg.FetchBackoff,
		},
		Hosts:       httpclient.NewHostSemaphore(cfg.HostConcurrency),
		IdleTimeout: cfg.FetchIdle,
	}
}

// openStores opens the guide directory and the channel database.
func openStores(ctx context.Context, cfg *config.Config) (*epgstore.Store, *channels.Store, error) {
	store := epgstore.NewOS(cfg.EPGDir)
	if err := store.Init(); err != nil {
		return nil, nil, fmt.Errorf("init %s: %w", cfg.EPGDir, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	db, err := channels.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", cfg.DBPath, err)
	}
	return store, db, nil
}

// seedSources upserts the YAML source list into the database.
func seedSources(ctx context.Context, db *channels.Store, path string) error {
	if path == "" {
		return nil
	}
	seeds, err := config.LoadSourcesFile(path)
	if err != nil {
		return err
	}
	for _, s := range seeds {
		if err := db.UpsertSource(ctx, s.Name, s.URL); err != nil {
			return fmt.Errorf("seed %q: %w", s.Name, err)
		}
	}
	log.Printf("Seeded %d EPG source(s) from %s", len(seeds), path)
	return nil
}

func logResult(res *refresh.Result) {
	unchanged, changed, failed := res.Counts()
	log.Printf("Refresh %s: %d source(s), %d changed, %d unchanged, %d failed, %d ids, merged=%v in %s",
		res.RunID, len(res.Sources), changed, unchanged, failed, res.IDs, res.Merged,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	for _, s := range res.Sources {
		if s.Outcome == refresh.OutcomeError {
			log.Printf("  %s: %s", s.Name, s.Error)
		}
	}
}

// runScheduler triggers a refresh every interval until ctx is done. A tick that
// lands on a running refresh is dropped.
func runScheduler(ctx context.Context, interval time.Duration, orch *refresh.Orchestrator, list func(context.Context) ([]refresh.Source, error)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sources, err := list(ctx)
			if err != nil {
				log.Printf("Scheduled refresh: list sources: %v", err)
				continue
			}
			if !orch.Trigger(ctx, sources) {
				log.Print("Scheduled refresh skipped: previous run still in progress")
			}
		}
	}
}

// probeSource requests url once (with retries) and reports what came back.
func probeSource(ctx context.Context, client *http.Client, policy httpclient.RetryPolicy, url string) (string, error) {
	resp, err := httpclient.DoWithRetry(ctx, client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", fetch.UserAgent)
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
		return req, nil
	}, policy)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return "", err
	}
	enc := resp.Header.Get("Content-Encoding")
	if enc == "" {
		enc = "identity"
	}
	return fmt.Sprintf("%s type=%q encoding=%s bytes=%d etag=%q", resp.Status,
		resp.Header.Get("Content-Type"), enc, n, resp.Header.Get("ETag")), nil
}

func main() {
	_ = config.LoadEnvFile(".env")

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveAddr := serveCmd.String("addr", "", "Listen address (default: EPGMUX_ADDR)")
	serveSources := serveCmd.String("sources", "", "YAML source list to seed (default: EPGMUX_SOURCES_FILE)")
	serveInterval := serveCmd.Duration("interval", -1, "Refresh interval, 0 = only at startup (default: EPGMUX_REFRESH_INTERVAL)")
	serveSkipRefresh := serveCmd.Bool("skip-refresh", false, "Do not refresh at startup")

	refreshCmd := flag.NewFlagSet("refresh", flag.ExitOnError)
	refreshSources := refreshCmd.String("sources", "", "YAML source list to seed before refreshing (default: EPGMUX_SOURCES_FILE)")

	matchCmd := flag.NewFlagSet("match", flag.ExitOnError)
	matchSource := matchCmd.String("source", "", "Only channels of this source type (m3u, xtream, ...)")
	matchMin := matchCmd.Float64("min-score", -1, "Minimum similarity 0..1 (default: EPGMUX_MATCH_MIN_SCORE)")
	matchDry := matchCmd.Bool("dry-run", false, "Report matches without writing them")
	matchLabel := matchCmd.String("epg-source", "", "EPG source label stored with each match (default: channel's own)")

	addCmd := flag.NewFlagSet("add-source", flag.ExitOnError)
	addName := addCmd.String("name", "", "Source name")
	addURL := addCmd.String("url", "", "XMLTV URL (http or https)")

	probeCmd := flag.NewFlagSet("probe", flag.ExitOnError)
	probeTimeout := probeCmd.Duration("timeout", 60*time.Second, "Timeout per source")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <serve|refresh|match|add-source|probe> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  serve       Refresh on start and on an interval, serve API and /guide.xml\n")
		fmt.Fprintf(os.Stderr, "  refresh     Refresh all sources once and exit\n")
		fmt.Fprintf(os.Stderr, "  match       Auto-map channels to guide ids\n")
		fmt.Fprintf(os.Stderr, "  add-source  Add an EPG source (-name, -url)\n")
		fmt.Fprintf(os.Stderr, "  probe       Request each source once and report what it serves\n")
		os.Exit(1)
	}

	cfg := config.Load()
	logCloser := setupLogging(cfg)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "serve":
		_ = serveCmd.Parse(os.Args[2:])
		if *serveAddr != "" {
			cfg.Addr = *serveAddr
		}
		if *serveSources != "" {
			cfg.SourcesFile = *serveSources
		}
		if *serveInterval >= 0 {
			cfg.RefreshInterval = *serveInterval
		}
		if *serveSkipRefresh {
			cfg.RefreshOnStart = false
		}
		if err := serve(ctx, cfg); err != nil {
			log.Printf("Serve failed: %v", err)
			os.Exit(1)
		}

	case "refresh":
		_ = refreshCmd.Parse(os.Args[2:])
		if *refreshSources != "" {
			cfg.SourcesFile = *refreshSources
		}
		store, db, err := openStores(ctx, cfg)
		if err != nil {
			log.Printf("Open: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := seedSources(ctx, db, cfg.SourcesFile); err != nil {
			log.Printf("Seed sources: %v", err)
			os.Exit(1)
		}
		sources, err := db.RefreshSources(ctx)
		if err != nil {
			log.Printf("List sources: %v", err)
			os.Exit(1)
		}
		orch := refresh.New(store, nil, refresh.Config{Workers: cfg.Workers, Fetch: fetchOptions(cfg)})
		res, err := orch.Refresh(ctx, sources)
		if res != nil {
			logResult(res)
		}
		if err != nil {
			log.Printf("Refresh failed: %v", err)
			os.Exit(1)
		}

	case "match":
		_ = matchCmd.Parse(os.Args[2:])
		minScore := cfg.MatchMinScore
		if *matchMin >= 0 {
			minScore = *matchMin
		}
		if minScore > 1 {
			log.Printf("-min-score must be within [0,1]")
			os.Exit(1)
		}
		store, db, err := openStores(ctx, cfg)
		if err != nil {
			log.Printf("Open: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		idNames, err := store.CombinedIDNames()
		if err != nil {
			log.Printf("Load combined index: %v", err)
			os.Exit(1)
		}
		list, err := db.ListChannels(ctx, *matchSource)
		if err != nil {
			log.Printf("List channels: %v", err)
			os.Exit(1)
		}
		chans := make([]epglink.Channel, len(list))
		for i, c := range list {
			chans[i] = c.ForMatch()
		}
		rep, err := epglink.AutoMap(ctx, chans, idNames, epglink.Options{
			MinScore:      minScore,
			DryRun:        *matchDry,
			LabelOverride: *matchLabel,
		}, db)
		if err != nil {
			log.Printf("Auto-map: %v", err)
			os.Exit(1)
		}
		log.Print(rep.SummaryString())
		for _, s := range rep.Samples {
			log.Printf("  %s -> %s (%s) score=%.3f", s.Channel, s.Match, s.TVGID, s.Score)
		}

	case "add-source":
		_ = addCmd.Parse(os.Args[2:])
		_, db, err := openStores(ctx, cfg)
		if err != nil {
			log.Printf("Open: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		src, err := db.AddSource(ctx, *addName, *addURL)
		if err != nil {
			log.Printf("Add source: %v", err)
			os.Exit(1)
		}
		log.Printf("Added EPG source %d %q (%s); run refresh or wait for the next scheduled run", src.ID, src.Name, src.URL)

	case "probe":
		_ = probeCmd.Parse(os.Args[2:])
		_, db, err := openStores(ctx, cfg)
		if err != nil {
			log.Printf("Open: %v", err)
			os.Exit(1)
		}
		defer db.Close()
		sources, err := db.RefreshSources(ctx)
		if err != nil {
			log.Printf("List sources: %v", err)
			os.Exit(1)
		}
		if len(sources) == 0 {
			log.Print("No EPG sources configured")
			return
		}
		opts := fetchOptions(cfg)
		failed := 0
		for _, src := range sources {
			pctx, cancel := context.WithTimeout(ctx, *probeTimeout)
			line, err := probeSource(pctx, opts.Client, opts.Retry, src.URL)
			cancel()
			if err != nil {
				failed++
				log.Printf("  %-24s FAIL %v", src.Name, err)
				continue
			}
			log.Printf("  %-24s %s", src.Name, line)
		}
		if failed > 0 {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	store, db, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := seedSources(ctx, db, cfg.SourcesFile); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	orch := refresh.New(store, nil, refresh.Config{
		Workers: cfg.Workers,
		Fetch:   fetchOptions(cfg),
		Metrics: refresh.NewMetrics(reg),
	})

	if cfg.RefreshOnStart {
		sources, err := db.RefreshSources(ctx)
		if err != nil {
			return err
		}
		log.Printf("Startup refresh of %d EPG source(s) ...", len(sources))
		orch.Trigger(ctx, sources)
	}
	go runScheduler(ctx, cfg.RefreshInterval, orch, db.RefreshSources)

	srv := &api.Server{
		Addr:      cfg.Addr,
		Catalog:   db,
		Store:     store,
		Refresher: orch,
		MinScore:  cfg.MatchMinScore,
		RateLimit: rate.Limit(cfg.APIRate),
		Burst:     cfg.APIBurst,
		Gatherer:  reg,
	}
	err = srv.Run(ctx)
	waitIdle(orch, 30*time.Second)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitIdle gives an in-flight refresh a moment to observe cancellation so the
// database is not closed underneath it.
func waitIdle(orch *refresh.Orchestrator, max time.Duration) {
	deadline := time.Now().Add(max)
	for orch.Status().Running() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}
