package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"RateFusion/internal/domain/models"
	"RateFusion/internal/domain/repository"
	"RateFusion/pkg/logger"
)

// Consenser fuses the records of one indicator.
type Consenser interface {
	Consense(records []models.RateRecord) (*models.ConsensusResult, error)
}

// FeedSource pairs an adapter with the normalizer for its payloads.
type FeedSource struct {
	Adapter    repository.SourceAdapter
	Normalizer repository.Normalizer
}

// CycleReport summarises one refresh cycle.
type CycleReport struct {
	RunID            string
	Feed             string
	Sources          int
	Succeeded        int
	FailedSources    []string
	Results          []*models.ConsensusResult
	Skipped          []string
	ReliabilityScore float64
	SinkErrors       int
	Duration         time.Duration
}

// IndicatorRefresher runs one feed: fetch every source, normalize, fuse per indicator,
// persist and remember the last good value.
type IndicatorRefresher struct {
	feed       string
	sources    []FeedSource
	indicators map[string]struct{}
	engine     Consenser
	sink       repository.ResultSink
	latest     repository.LatestStore
	metrics    repository.Metrics
	logger     *logger.Logger
	now        func() time.Time
	newRunID   func() string
}

type RefresherDeps struct {
	Engine  Consenser
	Sink    repository.ResultSink
	Latest  repository.LatestStore
	Metrics repository.Metrics
	Logger  *logger.Logger
}

// NewIndicatorRefresher builds a refresher. An empty indicators list keeps every
// indicator the normalizers produce. Sink and Latest may be nil.
func NewIndicatorRefresher(feed string, sources []FeedSource, indicators []string, deps RefresherDeps) *IndicatorRefresher {
	keep := make(map[string]struct{}, len(indicators))
	for _, k := range indicators {
		keep[k] = struct{}{}
	}
	return &IndicatorRefresher{
		feed:       feed,
		sources:    sources,
		indicators: keep,
		engine:     deps.Engine,
		sink:       deps.Sink,
		latest:     deps.Latest,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
		newRunID:   func() string { return uuid.NewString() },
	}
}

// TaskName is the scheduler task this feed runs under.
func (r *IndicatorRefresher) TaskName() string {
	return "refresh_" + r.feed
}

// Run is the scheduler entry point.
func (r *IndicatorRefresher) Run(ctx context.Context) error {
	_, err := r.Refresh(ctx)
	return err
}

type sourceOutcome struct {
	records []models.RateRecord
	err     error
}

// Refresh runs one cycle. It fails only when no source answered or no indicator
// reached consensus; sink and cache failures are logged and counted.
func (r *IndicatorRefresher) Refresh(ctx context.Context) (*CycleReport, error) {
	start := r.now()
	report := &CycleReport{
		RunID:   r.newRunID(),
		Feed:    r.feed,
		Sources: len(r.sources),
	}
	log := r.logger.With(logger.String("run_id", report.RunID), logger.String("feed", r.feed))

	outcomes := r.collect(ctx)

	var (
		fetchErrs []error
		grouped   = make(map[string][]models.RateRecord)
	)
	for i, out := range outcomes {
		id := r.sources[i].Adapter.ID()
		if out.err != nil {
			report.FailedSources = append(report.FailedSources, id)
			fetchErrs = append(fetchErrs, out.err)
			log.Warn("Source failed", logger.String("source", id), logger.Error(out.err))
			continue
		}
		report.Succeeded++
		for _, rec := range out.records {
			if !r.wants(rec.IndicatorKey) {
				continue
			}
			grouped[rec.IndicatorKey] = append(grouped[rec.IndicatorKey], rec)
		}
	}
	sort.Strings(report.FailedSources)

	if report.Sources > 0 {
		report.ReliabilityScore = float64(report.Succeeded) / float64(report.Sources)
	}
	r.metrics.RecordReliability(r.feed, report.ReliabilityScore)

	if report.Succeeded == 0 {
		report.Duration = r.now().Sub(start)
		log.Error("All sources failed", logger.Int("sources", report.Sources))
		return report, fmt.Errorf("feed %s: %w", r.feed, errors.Join(append([]error{models.ErrAllSourcesFailed}, fetchErrs...)...))
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		result, err := r.engine.Consense(grouped[key])
		if err != nil {
			var insufficient *models.InsufficientDataError
			if !errors.As(err, &insufficient) {
				r.metrics.RecordError("consensus")
			}
			report.Skipped = append(report.Skipped, key)
			log.Warn("Indicator skipped", logger.String("indicator", key), logger.Error(err))
			continue
		}
		report.Results = append(report.Results, result)
		r.metrics.RecordConsensus(result)
		report.SinkErrors += r.store(ctx, log, result)
	}

	report.Duration = r.now().Sub(start)
	if len(report.Results) == 0 {
		log.Error("No indicator reached consensus", logger.Strings("skipped", report.Skipped))
		return report, fmt.Errorf("feed %s: %w", r.feed, models.ErrNoConsensus)
	}

	log.Info("Feed refreshed",
		logger.Int("sources", report.Sources),
		logger.Int("succeeded", report.Succeeded),
		logger.Int("indicators", len(report.Results)),
		logger.Float64("reliability_score", report.ReliabilityScore),
		logger.Duration("duration", report.Duration),
	)
	return report, nil
}

func (r *IndicatorRefresher) wants(key string) bool {
	if len(r.indicators) == 0 {
		return true
	}
	_, ok := r.indicators[key]
	return ok
}

func (r *IndicatorRefresher) collect(ctx context.Context) []sourceOutcome {
	outcomes := make([]sourceOutcome, len(r.sources))

	var wg sync.WaitGroup
	for i, src := range r.sources {
		wg.Add(1)
		go func(i int, src FeedSource) {
			defer wg.Done()
			outcomes[i] = r.fetchOne(ctx, src)
		}(i, src)
	}
	wg.Wait()

	return outcomes
}

func (r *IndicatorRefresher) fetchOne(ctx context.Context, src FeedSource) (out sourceOutcome) {
	id := src.Adapter.ID()
	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			out = sourceOutcome{err: &models.FetchError{SourceID: id, Err: &models.PanicError{Value: p}}}
		}
		r.metrics.RecordSourceFetch(id, out.err == nil, r.now().Sub(start).Seconds())
	}()

	payload, err := src.Adapter.Fetch(ctx)
	if err != nil {
		return sourceOutcome{err: err}
	}
	records, err := src.Normalizer.Parse(payload)
	if err != nil {
		return sourceOutcome{err: err}
	}
	return sourceOutcome{records: records}
}

// store returns the number of failed writes.
func (r *IndicatorRefresher) store(ctx context.Context, log *logger.Logger, result *models.ConsensusResult) int {
	failed := 0
	if r.sink != nil {
		if err := r.sink.Save(ctx, result); err != nil {
			failed++
			r.metrics.RecordError("sink_save")
			log.Warn("Save result failed", logger.String("indicator", result.IndicatorKey), logger.Error(err))
		}
	}
	if r.latest != nil {
		if err := r.latest.Put(ctx, result); err != nil {
			failed++
			r.metrics.RecordError("cache_put")
			log.Warn("Cache result failed", logger.String("indicator", result.IndicatorKey), logger.Error(err))
		}
	}
	return failed
}
