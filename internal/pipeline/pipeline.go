// Package pipeline runs one ingestion: for every asset class it lists the
// instruments and fetches their candles, then writes everything to the store
// in a single dedup-upsert.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navid-fn/tickhouse/internal/broker"
	"github.com/navid-fn/tickhouse/internal/failure"
	"github.com/navid-fn/tickhouse/internal/models"
	"github.com/navid-fn/tickhouse/internal/storage"
	"github.com/navid-fn/tickhouse/internal/timefmt"
)

// Exit codes of an ingestion process.
const (
	ExitOK           = 0
	ExitStoreFailure = 1
	ExitPartial      = 2
	ExitConfig       = 3
)

// Source lists instruments and fetches candles. *broker.Client implements it.
type Source interface {
	ListInstruments(ctx context.Context, assetClass string) ([]models.Instrument, error)
	FetchAllCandles(ctx context.Context, instruments []models.Instrument, w broker.Window) ([]models.EnrichedRecord, error)
}

// StoreOpener connects to the store. It is called once, after fetching.
type StoreOpener func(ctx context.Context) (storage.Store, error)

// Publisher receives the records after a successful write.
type Publisher interface {
	Publish(ctx context.Context, records []models.EnrichedRecord) error
}

// Config tunes a Pipeline.
type Config struct {
	Classes     []models.AssetClass
	Window      broker.Window
	Table       string
	KeepStaging bool
}

// Pipeline wires a source to a store.
type Pipeline struct {
	cfg       Config
	source    Source
	openStore StoreOpener
	publisher Publisher
	runs      storage.RunRepository
	logger    *logrus.Entry
	now       func() time.Time
}

// Option configures optional collaborators.
type Option func(*Pipeline)

// WithPublisher forwards written records to p.
func WithPublisher(p Publisher) Option {
	return func(pl *Pipeline) { pl.publisher = p }
}

// WithRunRepository records every run in r.
func WithRunRepository(r storage.RunRepository) Option {
	return func(pl *Pipeline) { pl.runs = r }
}

func New(cfg Config, source Source, openStore StoreOpener, logger logrus.FieldLogger, opts ...Option) *Pipeline {
	if len(cfg.Classes) == 0 {
		cfg.Classes = models.AssetClasses
	}
	if cfg.Table == "" {
		cfg.Table = storage.DefaultTable
	}
	p := &Pipeline{
		cfg:       cfg,
		source:    source,
		openStore: openStore,
		logger:    logger.WithField("component", "pipeline"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ClassResult is the outcome of one asset class.
type ClassResult struct {
	Class       models.AssetClass
	Instruments int
	Records     int

	// Err is set when the class was skipped, or when some of its
	// instruments failed (a *failure.PartialFetchError).
	Err error
}

// Skipped reports whether none of the class data reached the write.
func (r ClassResult) Skipped() bool {
	var partial *failure.PartialFetchError
	return r.Err != nil && !errors.As(r.Err, &partial)
}

// Report summarizes a run.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Classes []ClassResult
	Fetched int

	Write      storage.AppendResult
	WriteErr   error
	PublishErr error
}

// Failed returns the classes with an error.
func (r *Report) Failed() []models.AssetClass {
	var out []models.AssetClass
	for _, c := range r.Classes {
		if c.Err != nil {
			out = append(out, c.Class)
		}
	}
	return out
}

// Status is one of the storage run statuses.
func (r *Report) Status() string {
	switch {
	case r.WriteErr != nil:
		return storage.RunFailed
	case len(r.Failed()) > 0 || r.PublishErr != nil:
		return storage.RunPartial
	}
	return storage.RunSucceeded
}

// ExitCode maps the report to the process exit status.
func (r *Report) ExitCode() int {
	switch r.Status() {
	case storage.RunFailed:
		return ExitStoreFailure
	case storage.RunPartial:
		return ExitPartial
	}
	return ExitOK
}

// Run executes one ingestion. A failing class is logged and skipped; the
// others still reach the store. Nothing is retried.
func (p *Pipeline) Run(ctx context.Context) *Report {
	report := &Report{RunID: uuid.NewString(), StartedAt: p.now()}
	log := p.logger.WithField("run_id", report.RunID)
	log.WithField("classes", p.cfg.Classes).Info("ingestion started")

	var records []models.EnrichedRecord
	for _, class := range p.cfg.Classes {
		res, got := p.fetchClass(ctx, class, log)
		report.Classes = append(report.Classes, res)
		records = append(records, got...)
	}
	report.Fetched = len(records)

	report.Write, report.WriteErr = p.write(ctx, records, log)
	if report.WriteErr == nil && p.publisher != nil && len(records) > 0 {
		if err := p.publisher.Publish(ctx, records); err != nil {
			log.WithError(err).Error("publish failed")
			report.PublishErr = err
		}
	}

	report.FinishedAt = p.now()
	p.record(ctx, report, log)

	log.WithFields(logrus.Fields{
		"fetched":  report.Fetched,
		"inserted": report.Write.Inserted,
		"status":   report.Status(),
	}).Info(timefmt.Elapsed(report.FinishedAt.Sub(report.StartedAt).Seconds()))
	return report
}

func (p *Pipeline) fetchClass(ctx context.Context, class models.AssetClass, log *logrus.Entry) (ClassResult, []models.EnrichedRecord) {
	res := ClassResult{Class: class}
	log = log.WithField("asset_class", class)

	instruments, err := p.source.ListInstruments(ctx, string(class))
	if err != nil {
		log.WithError(err).Error("instrument listing failed, class skipped")
		res.Err = err
		return res, nil
	}
	res.Instruments = len(instruments)

	records, err := p.source.FetchAllCandles(ctx, instruments, p.cfg.Window)
	var partial *failure.PartialFetchError
	switch {
	case errors.As(err, &partial):
		log.WithError(err).Warn("some instruments failed, keeping the rest")
		res.Err = err
	case err != nil:
		log.WithError(err).Error("candle fetch failed, class skipped")
		res.Err = err
		return res, nil
	}

	res.Records = len(records)
	log.WithField("records", res.Records).Info("class fetched")
	return res, records
}

func (p *Pipeline) write(ctx context.Context, records []models.EnrichedRecord, log *logrus.Entry) (storage.AppendResult, error) {
	store, err := p.openStore(ctx)
	if err != nil {
		log.WithError(err).Error("store connection failed")
		return storage.AppendResult{Table: p.cfg.Table}, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("store close failed")
		}
	}()

	res, err := store.AppendDeduplicated(ctx, p.cfg.Table, records, storage.AppendOptions{KeepStaging: p.cfg.KeepStaging})
	if err != nil {
		log.WithError(err).Error("store write failed")
	}
	return res, err
}

func (p *Pipeline) record(ctx context.Context, r *Report, log *logrus.Entry) {
	if p.runs == nil {
		return
	}

	classes := make([]string, len(r.Classes))
	for i, c := range r.Classes {
		classes[i] = string(c.Class)
	}
	failed := make([]string, 0)
	for _, c := range r.Failed() {
		failed = append(failed, string(c))
	}

	run := &storage.IngestionRun{
		RunID:         r.RunID,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Table:         r.Write.Table,
		Classes:       strings.Join(classes, ","),
		FailedClasses: strings.Join(failed, ","),
		Fetched:       uint64(r.Fetched),
		Inserted:      r.Write.Inserted,
		Status:        r.Status(),
	}
	if err := errors.Join(r.WriteErr, r.PublishErr); err != nil {
		run.Error = err.Error()
	}

	if err := p.runs.Record(ctx, run); err != nil {
		log.WithError(err).Warn("run history not recorded")
	}
}
