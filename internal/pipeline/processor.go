// Package pipeline runs prescriptions through the extraction models.
//
// A run fans out one task per selected model, waits for all of them, merges
// whatever succeeded and stores results, merged document and terminal status
// in a single conditional write. The pending to processing compare-and-set
// admits at most one run per prescription.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/rxextract/rxextract/internal/domain/extractionconfig"
	"github.com/rxextract/rxextract/internal/domain/prescription"
	"github.com/rxextract/rxextract/internal/extraction/gateway"
	"github.com/rxextract/rxextract/internal/extraction/merge"
	"github.com/rxextract/rxextract/internal/platform/apperr"
	"github.com/rxextract/rxextract/internal/platform/websocket"
)

// Gateway is the subset of the model gateway a run needs.
type Gateway interface {
	ResolveAll(names []string) ([]string, error)
	Models() []string
	Invoke(ctx context.Context, inv gateway.Invocation) (*gateway.Output, error)
}

// ConfigSource supplies the default extraction configuration, if any.
type ConfigSource interface {
	Default(ctx context.Context) (*extractionconfig.Config, error)
}

// Recorder receives run metrics.
type Recorder interface {
	ObserveModel(model, outcome string, d time.Duration)
	RunFinished(status string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveModel(string, string, time.Duration) {}
func (nopRecorder) RunFinished(string)                         {}

type Options struct {
	// MaxRetries is how many extra attempts an upstream failure gets.
	MaxRetries   int
	RetryBackoff time.Duration
	Metrics      Recorder
}

// Request selects what a run extracts. Empty fields fall back to the
// default configuration, then to every registered model and all fields.
type Request struct {
	Models  []string
	Fields  []string
	Prompts map[string]string
	// Upload replaces the stored image before the run starts.
	Upload *prescription.Upload
}

// ModelResult summarises one model's part in a run.
type ModelResult struct {
	Model          string  `json:"model"`
	Success        bool    `json:"success"`
	Fields         int     `json:"fields"`
	Confidence     float64 `json:"confidence"`
	ProcessingTime int64   `json:"processingTime"`
	Attempts       int     `json:"attempts"`
	Error          string  `json:"error,omitempty"`
}

// Outcome is the result of a finished run.
type Outcome struct {
	PrescriptionID   string              `json:"prescriptionId"`
	ProcessingStatus prescription.Status `json:"processingStatus"`
	ExtractedData    merge.Document      `json:"extractedData"`
	ModelResults     []ModelResult       `json:"modelResults"`
}

type Processor struct {
	repo    prescription.Repository
	gw      Gateway
	configs ConfigSource
	events  websocket.Publisher
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
}

func NewProcessor(repo prescription.Repository, gw Gateway, configs ConfigSource, events websocket.Publisher, opts Options, logger zerolog.Logger) *Processor {
	if events == nil {
		events = websocket.NopPublisher{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	return &Processor{
		repo:    repo,
		gw:      gw,
		configs: configs,
		events:  events,
		opts:    opts,
		logger:  logger.With().Str("component", "pipeline").Logger(),
		now:     time.Now,
	}
}

type plan struct {
	models  []string
	fields  []string
	prompts map[string]string
}

// resolvePlan applies the request over the default configuration.
func (p *Processor) resolvePlan(ctx context.Context, req Request) (plan, error) {
	var def *extractionconfig.Config
	if p.configs != nil {
		c, err := p.configs.Default(ctx)
		if err != nil {
			return plan{}, err
		}
		def = c
	}

	names := req.Models
	if len(names) == 0 && def != nil {
		names = def.SelectedModels
	}
	if len(names) == 0 {
		names = p.gw.Models()
	}
	models, err := p.gw.ResolveAll(names)
	if err != nil {
		return plan{}, err
	}
	if len(models) == 0 {
		return plan{}, apperr.Configuration("no models are available")
	}

	out := plan{models: models, fields: req.Fields, prompts: map[string]string{}}
	if def != nil {
		if len(out.fields) == 0 {
			out.fields = def.SelectedFields
		}
		for k, v := range def.CustomPrompts {
			out.prompts[k] = v
		}
	}
	for k, v := range req.Prompts {
		out.prompts[k] = v
	}
	return out, nil
}

func (p *Processor) publish(ctx context.Context, typ, id string, status prescription.Status) {
	p.events.Publish(ctx, websocket.Event{
		Type:           typ,
		PrescriptionID: id,
		Status:         string(status),
		Timestamp:      p.now().UTC(),
	})
}

// Process runs one prescription through its models. A run in which every
// model fails still returns an Outcome, with status failed.
func (p *Processor) Process(ctx context.Context, id string, req Request) (*Outcome, error) {
	rx, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return nil, prescription.RepoError(err)
	}

	if req.Upload != nil {
		if _, err := prescription.Transition(rx.ProcessingStatus, prescription.EventStart); err != nil {
			return nil, err
		}
		u := req.Upload
		if err := p.repo.UpdateImage(ctx, id, u.DataURL(), u.MIMEType, u.FileSize()); err != nil {
			return nil, prescription.RepoError(err)
		}
		rx.ImageData, rx.MIMEType = u.DataURL(), u.MIMEType
	}

	image, mime, err := prescription.DecodeImage(rx.ImageData, rx.MIMEType)
	if err != nil {
		return nil, err
	}
	if len(image) == 0 {
		return nil, apperr.Validation("Prescription has no image data to process")
	}

	pl, err := p.resolvePlan(ctx, req)
	if err != nil {
		return nil, err
	}

	next, err := prescription.Transition(rx.ProcessingStatus, prescription.EventStart)
	if err != nil {
		return nil, err
	}
	if err := p.repo.TransitionStatus(ctx, id, rx.ProcessingStatus, next); err != nil {
		if errors.Is(err, prescription.ErrStatusConflict) {
			return nil, apperr.InvalidState("Prescription is already being processed")
		}
		return nil, prescription.RepoError(err)
	}
	p.publish(ctx, websocket.EventProcessing, id, next)
	p.logger.Info().Str("prescription_id", id).Strs("models", pl.models).Msg("processing started")

	// The run outlives a disconnected client; model timeouts bound it.
	runCtx := context.WithoutCancel(ctx)
	runs := p.fanOut(runCtx, pl, image, mime)
	return p.finish(runCtx, id, pl, runs)
}

type modelRun struct {
	index    int
	model    string
	out      *gateway.Output
	err      error
	attempts int
}

// fanOut invokes every model concurrently and waits for all of them.
func (p *Processor) fanOut(ctx context.Context, pl plan, image []byte, mime string) []modelRun {
	tasks := pool.NewWithResults[modelRun]().WithMaxGoroutines(len(pl.models))
	for i, model := range pl.models {
		i, model := i, model
		tasks.Go(func() modelRun {
			out, attempts, err := p.invokeWithRetry(ctx, gateway.Invocation{
				Model:    model,
				Image:    image,
				MIMEType: mime,
				Fields:   pl.fields,
				Prompts:  pl.prompts,
			})
			return modelRun{index: i, model: model, out: out, err: err, attempts: attempts}
		})
	}
	runs := tasks.Wait()
	sort.Slice(runs, func(a, b int) bool { return runs[a].index < runs[b].index })
	return runs
}

// invokeWithRetry retries upstream failures with linear backoff. Other
// errors are returned at once.
func (p *Processor) invokeWithRetry(ctx context.Context, inv gateway.Invocation) (*gateway.Output, int, error) {
	var lastErr error
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.opts.RetryBackoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, lastErr
			case <-timer.C:
			}
		}
		start := time.Now()
		out, err := p.gw.Invoke(ctx, inv)
		p.opts.Metrics.ObserveModel(inv.Model, invocationOutcome(err), time.Since(start))
		if err == nil {
			return out, attempt + 1, nil
		}
		lastErr = err
		if !apperr.Is(err, apperr.KindUpstream) {
			return nil, attempt + 1, err
		}
		p.logger.Warn().Str("model", inv.Model).Int("attempt", attempt+1).Err(err).Msg("model invocation failed")
	}
	return nil, p.opts.MaxRetries + 1, lastErr
}

func invocationOutcome(err error) string {
	if err == nil {
		return "success"
	}
	return apperr.KindOf(err).String()
}

// finish merges successful runs and stores the outcome.
func (p *Processor) finish(ctx context.Context, id string, pl plan, runs []modelRun) (*Outcome, error) {
	now := p.now().UTC()
	var results []*prescription.ExtractionResult
	var candidates []merge.Candidate
	summaries := make([]ModelResult, 0, len(runs))
	succeeded := 0

	for _, run := range runs {
		s := ModelResult{Model: run.model, Attempts: run.attempts}
		if run.err != nil {
			s.Error = run.err.Error()
			summaries = append(summaries, s)
			p.logger.Warn().Str("prescription_id", id).Str("model", run.model).Err(run.err).Msg("model failed")
			continue
		}
		succeeded++
		s.Success = true
		s.ProcessingTime = run.out.ProcessingTime.Milliseconds()

		fields := make([]string, 0, len(run.out.Fields))
		for f := range run.out.Fields {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		var confSum float64
		for _, f := range fields {
			fv := run.out.Fields[f]
			r := &prescription.ExtractionResult{
				ID:             uuid.NewString(),
				PrescriptionID: id,
				ModelName:      run.model,
				FieldName:      f,
				ExtractedValue: fv.Value,
				Confidence:     fv.Confidence,
				ProcessingTime: s.ProcessingTime,
				CreatedAt:      now,
			}
			results = append(results, r)
			candidates = append(candidates, r.Candidate())
			confSum += fv.Confidence
		}
		s.Fields = len(fields)
		if len(fields) > 0 {
			s.Confidence = confSum / float64(len(fields))
		}
		summaries = append(summaries, s)
		p.logger.Info().Str("prescription_id", id).Str("model", run.model).
			Int("fields", s.Fields).Int64("elapsed_ms", s.ProcessingTime).Msg("model succeeded")
	}

	ev := prescription.EventSucceed
	doc := merge.Merge(pl.models, candidates)
	if succeeded == 0 {
		ev = prescription.EventFail
		doc = merge.Document{}
	}
	status, err := prescription.Transition(prescription.StatusProcessing, ev)
	if err != nil {
		return nil, err
	}

	if err := p.repo.CompleteRun(ctx, id, status, results, doc); err != nil {
		if errors.Is(err, prescription.ErrNotFound) {
			p.logger.Info().Str("prescription_id", id).Msg("prescription deleted during processing, results discarded")
			return nil, apperr.NotFound("Prescription was deleted during processing")
		}
		if errors.Is(err, prescription.ErrStatusConflict) {
			return nil, apperr.InvalidState("Prescription left processing before the run finished")
		}
		p.failRun(ctx, id, err)
		return nil, apperr.Fatal("Failed to store extraction results", err)
	}

	p.opts.Metrics.RunFinished(string(status))
	if status == prescription.StatusCompleted {
		p.publish(ctx, websocket.EventCompleted, id, status)
	} else {
		p.publish(ctx, websocket.EventFailed, id, status)
	}
	p.logger.Info().Str("prescription_id", id).Str("status", string(status)).
		Int("succeeded", succeeded).Int("models", len(runs)).Int("results", len(results)).Msg("processing finished")

	return &Outcome{
		PrescriptionID:   id,
		ProcessingStatus: status,
		ExtractedData:    doc,
		ModelResults:     summaries,
	}, nil
}

// failRun marks a run failed after its results could not be stored, so the
// prescription does not stay in processing.
func (p *Processor) failRun(ctx context.Context, id string, cause error) {
	p.logger.Error().Str("prescription_id", id).Err(cause).Msg("storing run results failed")
	status, err := prescription.Transition(prescription.StatusProcessing, prescription.EventFail)
	if err != nil {
		return
	}
	if err := p.repo.CompleteRun(ctx, id, status, nil, merge.Document{}); err != nil {
		p.logger.Error().Str("prescription_id", id).Err(err).Msg("marking run failed")
		return
	}
	p.opts.Metrics.RunFinished(string(status))
	p.publish(ctx, websocket.EventFailed, id, status)
}

// RecoverStale fails runs that have been processing since before
// olderThan ago, which happens when the server stops mid-run.
func (p *Processor) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := p.repo.ListStale(ctx, prescription.StatusProcessing, p.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, rx := range stale {
		status, err := prescription.Transition(rx.ProcessingStatus, prescription.EventFail)
		if err != nil {
			return recovered, err
		}
		err = p.repo.CompleteRun(ctx, rx.ID, status, nil, merge.Document{})
		if errors.Is(err, prescription.ErrNotFound) || errors.Is(err, prescription.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		p.opts.Metrics.RunFinished(string(status))
		p.publish(ctx, websocket.EventFailed, rx.ID, status)
	}
	if recovered > 0 {
		p.logger.Warn().Int("recovered", recovered).Dur("older_than", olderThan).Msg("stale processing runs marked failed")
	}
	return recovered, nil
}
