package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ArcheronTechnologies/orgflow/internal/adapters/discovery"
	"github.com/ArcheronTechnologies/orgflow/internal/common"
	"github.com/ArcheronTechnologies/orgflow/internal/extractor"
	"github.com/ArcheronTechnologies/orgflow/internal/models"
	"github.com/ArcheronTechnologies/orgflow/internal/storage/sqlite"
)

// DiscoverySource is the slice of the discovery adapter the pipeline
// needs for bulk enumeration.
type DiscoverySource interface {
	CountAvailable(ctx context.Context, f discovery.Filters) (int, error)
	FetchPage(ctx context.Context, offset, limit int, f discovery.Filters) ([]discovery.Entry, error)
}

// Deps bundles everything the orchestrator drives.
type Deps struct {
	Jobs      *sqlite.JobStore
	Audit     *sqlite.AuditStore
	Sink      GraphSink
	Registry  RegistrySource
	Scraped   ScrapedSource
	Discovery DiscoverySource
	Extractor *extractor.Extractor
	RawDocs   *RawDocWriter
}

// Orchestrator owns the worker pool that moves jobs through the stages.
// One orchestrator runs at a time per database.
type Orchestrator struct {
	cfg      *common.Config
	deps     Deps
	handlers map[models.Stage]StageHandler
	window   activeWindow
	logger   arbor.ILogger

	processed atomic.Int64
	completed atomic.Int64
	stop      context.CancelFunc
}

// New wires the stage handlers and returns an orchestrator ready to Run.
func New(cfg *common.Config, deps Deps, logger arbor.ILogger) *Orchestrator {
	o := &Orchestrator{
		cfg:  cfg,
		deps: deps,
		window: activeWindow{
			startHour:    cfg.Timing.ActiveHoursStart,
			endHour:      cfg.Timing.ActiveHoursEnd,
			skipWeekends: cfg.Timing.SkipWeekends,
		},
		logger: logger,
	}

	o.handlers = map[models.Stage]StageHandler{
		models.StageDiscovery: &discoveryHandler{logger: logger},
		models.StageRegistry: &registryHandler{
			source:    deps.Registry,
			extractor: deps.Extractor,
			rawDocs:   deps.RawDocs,
			logger:    logger,
		},
		models.StageGraph: &graphHandler{
			jobs:   deps.Jobs,
			sink:   deps.Sink,
			logger: logger,
		},
		models.StageScraped: &scrapedHandler{
			source: deps.Scraped,
			jobs:   deps.Jobs,
			sink:   deps.Sink,
			timing: cfg.Timing,
			logger: logger,
		},
	}
	return o
}

// RunOptions narrows one invocation of Run.
type RunOptions struct {
	// Stage restricts processing to a single stage when set.
	Stage models.Stage
	// MaxJobs bounds the number of jobs processed; 0 falls back to the
	// configured limit (0 again meaning unbounded).
	MaxJobs int
	// Watch keeps workers polling after the queue drains instead of
	// exiting.
	Watch bool
	// PollInterval overrides the configured claim-poll interval when
	// positive.
	PollInterval time.Duration
}

// Run processes jobs until the context is cancelled, the job bound is
// reached, the queue drains (unless watching), or a fatal error stops
// the pipeline.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) error {
	runID, err := o.deps.Audit.StartRun(ctx)
	if err != nil {
		return err
	}

	// Repair whatever a previous crash left claimed.
	if _, err := o.deps.Jobs.ResetInProgress(ctx); err != nil {
		return err
	}

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.stop = cancel

	maintenance := cron.New()
	if _, err := maintenance.AddFunc("*/5 * * * *", func() {
		if n, err := o.deps.Jobs.ResetBlocked(context.Background()); err != nil {
			o.logger.Warn().Err(err).Msg("Blocked-job maintenance failed")
		} else if n > 0 {
			o.logger.Info().Int("released", n).Msg("Cool-downs expired")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule maintenance: %w", err)
	}
	maintenance.Start()
	defer maintenance.Stop()

	maxJobs := opts.MaxJobs
	if maxJobs == 0 {
		maxJobs = o.cfg.Limits.MaxJobs
	}
	poll := o.cfg.Limits.PollInterval.Std()
	if opts.PollInterval > 0 {
		poll = opts.PollInterval
	}

	var wg sync.WaitGroup
	for _, stage := range models.StageOrder {
		if opts.Stage != "" && stage != opts.Stage {
			continue
		}
		if !o.stageEnabled(stage) {
			continue
		}
		for i := 0; i < o.workersFor(stage); i++ {
			wg.Add(1)
			go func(stage models.Stage, slot int) {
				defer wg.Done()
				o.workerLoop(workCtx, stage, slot, maxJobs, opts, poll)
			}(stage, i)
		}
	}

	o.logger.Info().Str("run_id", runID).Int("max_jobs", maxJobs).Msg("Pipeline running")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Info().Msg("Shutdown requested, draining workers")
		cancel()
		drain := time.NewTimer(o.cfg.Limits.ShutdownGrace.Std())
		select {
		case <-done:
			drain.Stop()
		case <-drain.C:
			o.logger.Warn().Msg("Drain deadline passed with workers still busy")
		}
	}

	// Anything still claimed goes back to pending for the next run.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()
	if _, err := o.deps.Jobs.ResetInProgress(finishCtx); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to reset claimed jobs on shutdown")
	}
	if stats, err := o.deps.Jobs.Stats(finishCtx); err == nil {
		if err := o.deps.Audit.FinishRun(finishCtx, runID, stats); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to finish run record")
		}
	}

	o.logger.Info().
		Str("run_id", runID).
		Int64("processed", o.processed.Load()).
		Int64("completed", o.completed.Load()).
		Msg("Pipeline stopped")
	return nil
}

func (o *Orchestrator) stageEnabled(stage models.Stage) bool {
	for _, s := range o.cfg.Behavior.StagesEnabled {
		if models.Stage(s) == stage {
			return true
		}
	}
	return false
}

func (o *Orchestrator) workersFor(stage models.Stage) int {
	switch stage {
	case models.StageDiscovery:
		return o.cfg.Concurrency.DiscoveryWorkers
	case models.StageRegistry:
		return o.cfg.Concurrency.RegistryWorkers
	case models.StageScraped:
		return o.cfg.Concurrency.ScrapedWorkers
	default:
		// Graph emission is local work; one worker keeps sink output ordered.
		return 1
	}
}

func (o *Orchestrator) workerLoop(ctx context.Context, stage models.Stage, slot int, maxJobs int, opts RunOptions, poll time.Duration) {
	logger := o.logger
	handler := o.handlers[stage]

	for {
		if ctx.Err() != nil {
			return
		}
		if maxJobs > 0 && o.processed.Load() >= int64(maxJobs) {
			logger.Info().Str("stage", string(stage)).Msg("Job bound reached, stopping")
			o.stop()
			return
		}

		// The scraped site only sees traffic during business hours.
		if stage == models.StageScraped && !o.window.open(time.Now()) {
			wait := time.Until(o.window.nextOpen(time.Now()))
			logger.Info().Str("stage", string(stage)).Str("wait", wait.String()).Msg("Outside active hours")
			if !sleepCtx(ctx, wait) {
				return
			}
			continue
		}

		job, err := o.deps.Jobs.ClaimNext(ctx, stage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Str("stage", string(stage)).Int("slot", slot).Msg("Claim failed")
			if !sleepCtx(ctx, poll) {
				return
			}
			continue
		}
		if job == nil {
			if !opts.Watch && o.queueDrained(ctx, opts.Stage) {
				logger.Info().Str("stage", string(stage)).Msg("Queue drained, stopping")
				o.stop()
				return
			}
			if !sleepCtx(ctx, poll) {
				return
			}
			continue
		}

		o.processOne(ctx, handler, job)
	}
}

// queueDrained reports whether no runnable work remains in the stages
// this run covers. Blocked jobs do not count: waiting out a cool-down is
// watch territory, not drain.
func (o *Orchestrator) queueDrained(ctx context.Context, only models.Stage) bool {
	stats, err := o.deps.Jobs.Stats(ctx)
	if err != nil {
		// Can't tell; keep polling rather than exit on a read error.
		return false
	}
	for key, count := range stats {
		if count == 0 {
			continue
		}
		if only != "" && key.Stage != only {
			continue
		}
		if only == "" && !o.stageEnabled(key.Stage) {
			continue
		}
		if key.Status == models.StatusPending || key.Status == models.StatusInProgress {
			return false
		}
	}
	return true
}

// processOne runs the handler and maps its outcome onto a queue
// transition. Store writes use a non-cancellable context so a shutdown
// mid-transition cannot strand the job.
func (o *Orchestrator) processOne(ctx context.Context, handler StageHandler, job *models.Job) {
	hctx, cancel := context.WithTimeout(ctx, o.cfg.Limits.StageTimeout.Std())
	res, err := handler.Handle(hctx, job)
	cancel()

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()

	o.processed.Add(1)

	if err == nil {
		for _, w := range res.warnings {
			o.logger.Warn().Str("orgnr", job.OrgNr.String()).Str("warning", w).Msg("Stage warning")
		}
		if res.skipReason != "" {
			if err := o.deps.Jobs.SkipStage(sctx, job.OrgNr, res.skipReason); err != nil {
				o.logger.Error().Err(err).Str("orgnr", job.OrgNr.String()).Msg("Skip transition failed")
			}
			o.logger.Info().Str("orgnr", job.OrgNr.String()).Str("stage", string(job.Stage)).Str("outcome", "skipped").Str("reason", res.skipReason).Msg("Stage skipped")
		} else {
			if err := o.deps.Jobs.CompleteStage(sctx, job.OrgNr, res.payload); err != nil {
				o.logger.Error().Err(err).Str("orgnr", job.OrgNr.String()).Msg("Complete transition failed")
			}
			o.logger.Info().Str("orgnr", job.OrgNr.String()).Str("stage", string(job.Stage)).Str("outcome", "completed").Msg("Stage finished")
		}
		o.noteProgress(sctx)
		return
	}

	switch models.ClassifyError(err) {
	case models.KindNotFound:
		// Terminal success: the source has nothing for this orgnr.
		if terr := o.deps.Jobs.CompleteStage(sctx, job.OrgNr, nil); terr != nil {
			o.logger.Error().Err(terr).Str("orgnr", job.OrgNr.String()).Msg("Complete transition failed")
		}
		o.logger.Info().Str("orgnr", job.OrgNr.String()).Str("stage", string(job.Stage)).Str("outcome", "not_found").Msg("Stage finished")
		o.noteProgress(sctx)

	case models.KindBlocked:
		coolDown := o.cfg.Retry.BlockCooldown.Std()
		if terr := o.deps.Jobs.BlockJob(sctx, job.OrgNr, coolDown); terr != nil {
			o.logger.Error().Err(terr).Str("orgnr", job.OrgNr.String()).Msg("Block transition failed")
		}
		if terr := o.deps.Audit.LogBlockEvent(sctx, job.Stage, 0, err.Error(), coolDown); terr != nil {
			o.logger.Warn().Err(terr).Msg("Failed to record block event")
		}
		o.logger.Warn().Str("orgnr", job.OrgNr.String()).Str("stage", string(job.Stage)).Err(err).Msg("Source blocked us, cooling down")

	case models.KindRateLimited:
		o.logger.Warn().Str("orgnr", job.OrgNr.String()).Str("sleep", o.cfg.Registry.RateSleep.Std().String()).Msg("Rate limited, backing off")
		sleepCtx(ctx, o.cfg.Registry.RateSleep.Std())
		if terr := o.deps.Jobs.RequeueJob(sctx, job.OrgNr); terr != nil {
			o.logger.Error().Err(terr).Str("orgnr", job.OrgNr.String()).Msg("Requeue transition failed")
		}

	case models.KindParse:
		// A malformed document is not worth retrying; keep what we have.
		payload, _ := json.Marshal(map[string]string{"warning": err.Error()})
		if terr := o.deps.Jobs.CompleteStage(sctx, job.OrgNr, payload); terr != nil {
			o.logger.Error().Err(terr).Str("orgnr", job.OrgNr.String()).Msg("Complete transition failed")
		}
		o.logger.Warn().Str("orgnr", job.OrgNr.String()).Err(err).Msg("Parse trouble, completed with warning")
		o.noteProgress(sctx)

	case models.KindCancelled:
		if terr := o.deps.Jobs.ReleaseJob(sctx, job.OrgNr); terr != nil {
			o.logger.Error().Err(terr).Str("orgnr", job.OrgNr.String()).Msg("Release transition failed")
		}

	case models.KindFatal:
		if terr := o.deps.Jobs.FailJob(sctx, job.OrgNr, err.Error(), false); terr != nil {
			o.logger.Error().Err(terr).Str("orgnr", job.OrgNr.String()).Msg("Fail transition failed")
		}
		o.logger.Error().Str("orgnr", job.OrgNr.String()).Err(err).Msg("Fatal error, stopping pipeline")
		o.stop()

	default:
		if terr := o.deps.Jobs.FailJob(sctx, job.OrgNr, err.Error(), true); terr != nil {
			o.logger.Error().Err(terr).Str("orgnr", job.OrgNr.String()).Msg("Fail transition failed")
		}
		o.logger.Warn().Str("orgnr", job.OrgNr.String()).Err(err).Msg("Transient failure recorded")
	}
}

func (o *Orchestrator) noteProgress(ctx context.Context) {
	n := o.completed.Add(1)
	interval := int64(o.cfg.Behavior.ProgressInterval)
	if interval <= 0 || n%interval != 0 {
		return
	}

	stats, err := o.deps.Jobs.Stats(ctx)
	if err != nil {
		return
	}
	pending, completed := 0, 0
	for key, count := range stats {
		switch key.Status {
		case models.StatusPending:
			pending += count
		case models.StatusCompleted:
			completed += count
		}
	}
	o.logger.Info().
		Int64("session", n).
		Int("pending", pending).
		Int("completed", completed).
		Msg("Progress")
}

// Discover enumerates the bulk source and seeds new jobs. Newly inserted
// jobs get their discovery payload written immediately and advance to the
// registry stage. Returns the number of jobs added.
func (o *Orchestrator) Discover(ctx context.Context, f discovery.Filters, maxNew int) (int, error) {
	if o.deps.Discovery == nil {
		return 0, fmt.Errorf("no discovery source configured")
	}

	total, err := o.deps.Discovery.CountAvailable(ctx, f)
	if err != nil {
		return 0, err
	}
	o.logger.Info().Int("available", total).Msg("Discovery source counted")

	pageSize := o.cfg.Discovery.MaxPage
	added := 0
	for offset := 0; offset < total; offset += pageSize {
		if ctx.Err() != nil {
			return added, ctx.Err()
		}
		if maxNew > 0 && added >= maxNew {
			break
		}

		entries, err := o.deps.Discovery.FetchPage(ctx, offset, pageSize, f)
		if err != nil {
			return added, err
		}
		if len(entries) == 0 {
			break
		}

		orgnrs := make([]models.OrgNumber, 0, len(entries))
		for _, e := range entries {
			orgnrs = append(orgnrs, e.OrgNr)
		}
		n, err := o.deps.Jobs.AddJobs(ctx, orgnrs, 0, models.StageDiscovery)
		if err != nil {
			return added, err
		}
		added += n

		// Complete the discovery stage for rows still sitting there so the
		// enumeration metadata travels with the job.
		for _, e := range entries {
			job, err := o.deps.Jobs.GetJob(ctx, e.OrgNr)
			if err != nil || job.Stage != models.StageDiscovery || job.Status != models.StatusPending {
				continue
			}
			payload, err := json.Marshal(map[string]interface{}{
				"source":        "discovery",
				"discovered_at": time.Now().UTC().Format(time.RFC3339),
				"raw_fields":    e.RawFields,
			})
			if err != nil {
				continue
			}
			if err := o.deps.Jobs.CompleteStage(ctx, e.OrgNr, payload); err != nil {
				o.logger.Warn().Err(err).Str("orgnr", e.OrgNr.String()).Msg("Failed to record discovery payload")
			}
		}
	}

	o.logger.Info().Int("added", added).Msg("Discovery finished")
	return added, nil
}

// sleepCtx sleeps for d or until ctx is done; reports whether the full
// sleep elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
