package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/adapters/discovery"
	"github.com/ArcheronTechnologies/orgflow/internal/adapters/registry"
	"github.com/ArcheronTechnologies/orgflow/internal/adapters/scraped"
	"github.com/ArcheronTechnologies/orgflow/internal/common"
	"github.com/ArcheronTechnologies/orgflow/internal/export"
	"github.com/ArcheronTechnologies/orgflow/internal/extractor"
	"github.com/ArcheronTechnologies/orgflow/internal/fetcher"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
	"github.com/ArcheronTechnologies/orgflow/internal/pipeline"
	"github.com/ArcheronTechnologies/orgflow/internal/scraper"
	"github.com/ArcheronTechnologies/orgflow/internal/storage/sqlite"
)

const usage = `orgflow - company data acquisition pipeline

Usage:
  orgflow <command> [flags]

Commands:
  seed      Add organisation numbers to the queue
  discover  Enumerate the bulk source and seed new jobs
  run       Process queued jobs through the pipeline
  stats     Show queue and request statistics
  reset     Return stuck or blocked jobs to pending
  export    Dump completed records to a file
  version   Print version information

Run 'orgflow <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" || cmd == "--version" || cmd == "-v" {
		fmt.Printf("orgflow %s (build %s, commit %s)\n", common.Version, common.Build, common.GitCommit)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "seed":
		err = cmdSeed(ctx, args)
	case "discover":
		err = cmdDiscover(ctx, args)
	case "run":
		err = cmdRun(ctx, args)
	case "stats":
		err = cmdStats(ctx, args)
	case "reset":
		err = cmdReset(ctx, args)
	case "export":
		err = cmdExport(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "orgflow %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg    *common.Config
	logger arbor.ILogger
	db     *sqlite.DB
	jobs   *sqlite.JobStore
	audit  *sqlite.AuditStore
}

// bootstrap loads configuration, initializes logging and opens storage.
func bootstrap(configPath string) (*app, error) {
	if configPath == "" {
		for _, candidate := range []string{"orgflow.toml", "config/orgflow.toml"} {
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
	}

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := common.InitLogger(cfg)
	if configPath != "" {
		logger.Debug().Str("path", configPath).Msg("Configuration loaded")
	}

	db, err := sqlite.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		jobs:   sqlite.NewJobStore(db, cfg.Retry.MaxRetries, logger),
		audit:  sqlite.NewAuditStore(db, logger),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Database close failed")
	}
}

func cmdSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	source := fs.String("source", "", "orgnr source: JSON array, line-delimited file, or another queue database")
	stage := fs.String("stage", "", "seed at this stage instead of the default pending-at-registry")
	priority := fs.Int("priority", 0, "priority for the new jobs (higher first)")
	limit := fs.Int("limit", 0, "seed at most this many orgnrs (0 = all)")
	types := fs.String("types", "", "comma-separated orgnr families to keep (ab, hb, kb, brf, ek, or 3-digit prefixes)")
	fs.Parse(args)

	var initial models.Stage
	if *stage != "" {
		initial = models.Stage(strings.ToLower(*stage))
		if !models.IsValidStage(initial) {
			return fmt.Errorf("unknown stage %q", *stage)
		}
	}

	prefixes, err := parseTypeFilter(*types)
	if err != nil {
		return err
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	var raw []string
	if *source != "" {
		fromSource, err := readSeedSource(ctx, *source, a.logger)
		if err != nil {
			return err
		}
		raw = append(raw, fromSource...)
	}
	raw = append(raw, fs.Args()...)
	if len(raw) == 0 {
		return fmt.Errorf("nothing to seed: give orgnrs as arguments or via -source")
	}

	orgnrs := make([]models.OrgNumber, 0, len(raw))
	for _, s := range raw {
		if *limit > 0 && len(orgnrs) >= *limit {
			break
		}
		orgnr, err := models.ParseOrgNumber(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %q: %v\n", s, err)
			continue
		}
		if prefixes != nil && !prefixes[orgnr.String()[:3]] {
			continue
		}
		orgnrs = append(orgnrs, orgnr)
	}

	added, err := a.jobs.AddJobs(ctx, orgnrs, *priority, seedStage(initial))
	if err != nil {
		return err
	}

	// Default seeding lands jobs pending at registry: the discovery stage
	// is recorded as done with a seed provenance payload.
	if initial == "" {
		payload, _ := json.Marshal(map[string]string{
			"source":    "seed",
			"seeded_at": time.Now().UTC().Format(time.RFC3339),
		})
		for _, orgnr := range orgnrs {
			job, err := a.jobs.GetJob(ctx, orgnr)
			if err != nil || job.Stage != models.StageDiscovery || job.Status != models.StatusPending {
				continue
			}
			if err := a.jobs.CompleteStage(ctx, orgnr, payload); err != nil {
				a.logger.Warn().Err(err).Str("orgnr", orgnr.String()).Msg("Failed to record seed payload")
			}
		}
	}

	fmt.Printf("seeded %d new jobs (%d offered)\n", added, len(orgnrs))
	return nil
}

func seedStage(explicit models.Stage) models.Stage {
	if explicit != "" {
		return explicit
	}
	return models.StageDiscovery
}

// orgnrTypeAliases maps the family names the seed command accepts to
// their 3-digit orgnr prefixes.
var orgnrTypeAliases = map[string][]string{
	"ab":  {"556", "559"},
	"hb":  {"916"},
	"kb":  {"969"},
	"brf": {"716", "717", "769"},
	"ek":  {"702", "746", "748"},
}

// parseTypeFilter turns a CSV of family aliases or raw 3-digit prefixes
// into a prefix set. Empty input means no filtering (nil set).
func parseTypeFilter(csv string) (map[string]bool, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	prefixes := make(map[string]bool)
	for _, part := range strings.Split(csv, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if family, ok := orgnrTypeAliases[part]; ok {
			for _, p := range family {
				prefixes[p] = true
			}
			continue
		}
		if len(part) == 3 && strings.IndexFunc(part, func(r rune) bool { return r < '0' || r > '9' }) == -1 {
			prefixes[part] = true
			continue
		}
		return nil, fmt.Errorf("unknown orgnr type %q", part)
	}
	return prefixes, nil
}

const sqliteMagic = "SQLite format 3\x00"

// readSeedSource accepts a JSON array of strings, a plain list with one
// orgnr per line, or another queue database.
func readSeedSource(ctx context.Context, path string, logger arbor.ILogger) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if strings.HasPrefix(string(data), sqliteMagic) {
		return readQueueDatabase(ctx, path, logger)
	}

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("failed to parse %s as JSON array: %w", path, err)
		}
		return list, nil
	}

	var list []string
	scanner := bufio.NewScanner(strings.NewReader(trimmed))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		list = append(list, line)
	}
	return list, scanner.Err()
}

// readQueueDatabase pulls every orgnr out of another pipeline's queue.
func readQueueDatabase(ctx context.Context, path string, logger arbor.ILogger) ([]string, error) {
	db, err := sqlite.Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database %s: %w", path, err)
	}
	defer db.Close()

	orgnrs, err := sqlite.NewJobStore(db, 0, logger).AllOrgnrs(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]string, 0, len(orgnrs))
	for _, orgnr := range orgnrs {
		list = append(list, orgnr.String())
	}
	return list, nil
}

func cmdDiscover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	max := fs.Int("max", 0, "stop after this many new jobs (0 = all)")
	fs.Parse(args)

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	orch, cleanup, err := buildOrchestrator(a)
	if err != nil {
		return err
	}
	defer cleanup()

	filters := discovery.Filters{
		LegalFormCode: a.cfg.Discovery.LegalFormCode,
		OnlyActive:    a.cfg.Discovery.OnlyActive,
	}
	added, err := orch.Discover(ctx, filters, *max)
	if err != nil {
		return err
	}
	fmt.Printf("discovered %d new jobs\n", added)
	return nil
}

func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	stage := fs.String("stage", "", "process only this stage")
	max := fs.Int("max", 0, "stop after this many jobs (0 = configured limit)")
	watch := fs.Bool("watch", false, "keep polling for new jobs after the queue drains")
	interval := fs.Int("interval", 0, "claim-poll interval in seconds (0 = configured)")
	fs.Parse(args)

	var only models.Stage
	if *stage != "" {
		only = models.Stage(strings.ToLower(*stage))
		if !models.IsValidStage(only) {
			return fmt.Errorf("unknown stage %q", *stage)
		}
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info().
		Str("version", common.Version).
		Str("config", fmt.Sprintf("%+v", a.cfg.Redacted())).
		Msg("Starting pipeline")

	orch, cleanup, err := buildOrchestrator(a)
	if err != nil {
		return err
	}
	defer cleanup()

	return orch.Run(ctx, pipeline.RunOptions{
		Stage:        only,
		MaxJobs:      *max,
		Watch:        *watch,
		PollInterval: time.Duration(*interval) * time.Second,
	})
}

// requestLogger builds the per-stage audit callback every fetching
// adapter reports its requests through.
func requestLogger(a *app, stage models.Stage) fetcher.Observer {
	return func(url string, statusCode int, responseTime time.Duration, err error) {
		entry := sqlite.RequestEntry{
			Stage:          stage,
			Success:        err == nil,
			StatusCode:     statusCode,
			ResponseTimeMs: responseTime.Milliseconds(),
		}
		if err != nil {
			entry.ErrorKind = models.ClassifyError(err)
		}
		logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if lerr := a.audit.LogRequest(logCtx, entry); lerr != nil {
			a.logger.Warn().Err(lerr).Msg("Request log write failed")
		}
	}
}

// buildOrchestrator wires adapters, extractor and sink around the stores.
func buildOrchestrator(a *app) (*pipeline.Orchestrator, func(), error) {
	client := fetcher.New(fetcher.Config{
		MinDelay:           a.cfg.Timing.MinDelay.Std(),
		MaxDelay:           a.cfg.Timing.MaxDelay.Std(),
		RequestTimeout:     a.cfg.Timing.RequestTimeout.Std(),
		OverallTimeout:     a.cfg.Timing.OverallTimeout.Std(),
		MaxRetries:         a.cfg.Retry.MaxRetries,
		InitialBackoff:     a.cfg.Retry.InitialBackoff.Std(),
		BackoffFactor:      a.cfg.Retry.BackoffFactor,
		MaxBackoff:         a.cfg.Retry.MaxBackoff.Std(),
		UserAgents:         a.cfg.Fetcher.UserAgents,
		BlockMarkers:       a.cfg.Fetcher.BlockMarkers,
		RandomPages:        a.cfg.Fetcher.RandomPages,
		RandomPageInterval: a.cfg.Behavior.RandomPageInterval,
		PRandomPage:        a.cfg.Behavior.PRandomPage,
	}, a.logger)
	client.SetObserver(requestLogger(a, models.StageScraped))

	retryPolicy := fetcher.RetryPolicy{
		MaxAttempts:    a.cfg.Retry.MaxRetries,
		InitialBackoff: a.cfg.Retry.InitialBackoff.Std(),
		MaxBackoff:     a.cfg.Retry.MaxBackoff.Std(),
		BackoffFactor:  a.cfg.Retry.BackoffFactor,
	}

	registryAdapter := registry.New(registry.Config{
		BaseURL:        a.cfg.Registry.BaseURL,
		TokenURL:       a.cfg.Registry.TokenURL,
		ClientID:       a.cfg.Registry.ClientID,
		ClientSecret:   a.cfg.Registry.ClientSecret,
		MinInterval:    a.cfg.Registry.MinInterval.Std(),
		RequestTimeout: a.cfg.Timing.RequestTimeout.Std(),
		Retry:          retryPolicy,
	}, a.logger)
	registryAdapter.SetObserver(requestLogger(a, models.StageRegistry))

	discoveryAdapter, err := discovery.New(discovery.Config{
		BaseURL:        a.cfg.Discovery.BaseURL,
		CertPath:       a.cfg.Discovery.CertPath,
		CertPassword:   a.cfg.Discovery.CertPassword,
		MaxPage:        a.cfg.Discovery.MaxPage,
		RequestTimeout: a.cfg.Timing.RequestTimeout.Std(),
		Retry:          retryPolicy,
	}, a.logger)
	if err != nil {
		return nil, nil, err
	}
	discoveryAdapter.SetObserver(requestLogger(a, models.StageDiscovery))

	parser := scraper.NewParser(a.cfg.Scraped.AppStateID, "scraped", a.logger)
	scrapedAdapter := scraped.New(scraped.Config{
		Host:         a.cfg.Scraped.Host,
		FetchPersons: a.cfg.Scraped.FetchPersons,
	}, client, parser, a.logger)

	sink, err := pipeline.NewJSONLSink(a.cfg.Scraped.GraphSinkPath, a.logger)
	if err != nil {
		return nil, nil, err
	}

	var rawDocs *pipeline.RawDocWriter
	if a.cfg.Storage.StoreRawDocs {
		rawDocs = pipeline.NewRawDocWriter(a.cfg.Storage.RawDocDir, a.cfg.Storage.CompressRawDocs)
	}

	orch := pipeline.New(a.cfg, pipeline.Deps{
		Jobs:      a.jobs,
		Audit:     a.audit,
		Sink:      sink,
		Registry:  registryAdapter,
		Scraped:   scrapedAdapter,
		Discovery: discoveryAdapter,
		Extractor: extractor.New(a.cfg.Behavior.MinConfidence, a.logger),
		RawDocs:   rawDocs,
	}, a.logger)

	cleanup := func() {
		if err := sink.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Sink close failed")
		}
		if err := discoveryAdapter.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Discovery adapter close failed")
		}
	}
	return orch, cleanup, nil
}

func cmdStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.jobs.Stats(ctx)
	if err != nil {
		return err
	}

	keys := make([]models.StatsKey, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		si, sj := models.StageIndex(keys[i].Stage), models.StageIndex(keys[j].Stage)
		if si != sj {
			return si < sj
		}
		return keys[i].Status < keys[j].Status
	})

	fmt.Println("queue:")
	total := 0
	for _, k := range keys {
		fmt.Printf("  %-10s %-12s %d\n", k.Stage, k.Status, stats[k])
		total += stats[k]
	}
	fmt.Printf("  total: %d\n", total)

	reqStats, err := a.audit.RequestStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("requests today: %d\n", reqStats.RequestsToday)
	if reqStats.TotalLastHour > 0 {
		rate := float64(reqStats.ErrorsLastHour) / float64(reqStats.TotalLastHour) * 100
		fmt.Printf("error rate (60 min): %.1f%% (%d/%d)\n", rate, reqStats.ErrorsLastHour, reqStats.TotalLastHour)
	} else {
		fmt.Println("error rate (60 min): no requests")
	}

	since := time.Now().Add(-24 * time.Hour)
	if events, err := a.audit.RecentBlockEvents(ctx, since); err == nil && len(events) > 0 {
		fmt.Printf("block events (24 h): %d, latest at %s\n", len(events), events[0].Timestamp.Format(time.RFC3339))
	}
	return nil
}

func cmdReset(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	inProgress := fs.Bool("in-progress", false, "reset in-progress jobs to pending")
	blocked := fs.Bool("blocked", false, "reset all blocked jobs to pending, ignoring cool-downs")
	fs.Parse(args)

	if !*inProgress && !*blocked {
		return fmt.Errorf("nothing to reset: pass -in-progress and/or -blocked")
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if *inProgress {
		n, err := a.jobs.ResetInProgress(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reset %d in-progress jobs\n", n)
	}
	if *blocked {
		n, err := a.jobs.ResetAllBlocked(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reset %d blocked jobs\n", n)
	}
	return nil
}

func cmdExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	output := fs.String("output", "", "output file (default stdout)")
	formatFlag := fs.String("format", "json", "export format: json or csv")
	fs.Parse(args)

	format, err := export.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}

	a, err := bootstrap(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	out := os.Stdout
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", *output, err)
		}
		defer file.Close()
		out = file
	}

	return export.New(a.audit, a.logger).Export(ctx, out, format)
}
