package montage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chriskillpack/montage/describer"
	"github.com/chriskillpack/montage/internal/retry"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	// Provider overrides Config.DefaultProvider when set.
	Provider string

	Logger     *slog.Logger // if nil uses slog.Default()
	HTTPClient *http.Client // if nil uses http.DefaultClient

	// OnOutcome is called as each image reaches a terminal state. Calls are
	// made from a single goroutine, never concurrently.
	OnOutcome func(Outcome)
}

// Montage describes batches of images with one backend and summarizes the
// results.
type Montage struct {
	describer  describer.Describer
	summarizer describer.Summarizer

	provider string
	models   [2]string // image, text
	workflow WorkflowConfig

	logger    *slog.Logger
	onOutcome func(Outcome)
}

// New validates cfg and builds a Montage for the selected provider. Any
// configuration problem is returned as a *ConfigError.
func New(ctx context.Context, cfg *Config, opts Options) (*Montage, error) {
	name, p, err := cfg.Provider(opts.Provider)
	if err != nil {
		return nil, err
	}
	d, s, err := CreateProviders(ctx, cfg, name, opts.HTTPClient)
	if err != nil {
		return nil, err
	}

	m := NewWithProviders(d, s, cfg.Workflow, opts)
	m.provider = name
	m.models = [2]string{p.ImageModel.Model, p.TextModel.Model}
	return m, nil
}

// NewWithProviders builds a Montage around an existing describer and
// summarizer, bypassing the config driven factory. Non-positive workflow
// settings fall back to their defaults.
func NewWithProviders(d describer.Describer, s describer.Summarizer, wf WorkflowConfig, opts Options) *Montage {
	if wf.BatchSize <= 0 {
		wf.BatchSize = DefaultBatchSize
	}
	if wf.MaxRetries < 0 {
		wf.MaxRetries = 0
	}
	if wf.SummaryMaxRetries < 0 {
		wf.SummaryMaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Montage{
		describer:  d,
		summarizer: s,
		provider:   d.Name(),
		workflow:   wf,
		logger:     logger,
		onOutcome:  opts.OnOutcome,
	}
}

// ProcessImages builds the providers named by cfg and runs one workflow over
// images. The error is non-nil only for configuration problems, every
// provider failure is reported inside the Result.
func ProcessImages(ctx context.Context, images []ImageRef, cfg *Config) (*Result, error) {
	m, err := New(ctx, cfg, Options{})
	if err != nil {
		return nil, err
	}
	return m.ProcessImages(ctx, images), nil
}

// Provider returns the name of the backend in use.
func (m *Montage) Provider() string { return m.provider }

// IsHealthy reports whether the backend is reachable. Backends that cannot
// check are assumed healthy.
func (m *Montage) IsHealthy(ctx context.Context) bool {
	if hc, ok := m.describer.(describer.HealthChecker); ok {
		return hc.IsHealthy(ctx)
	}
	return true
}

// Info is a description of the running configuration, safe to show to users.
type Info struct {
	Provider          string `json:"provider"`
	ImageModel        string `json:"image_model,omitempty"`
	TextModel         string `json:"text_model,omitempty"`
	BatchSize         int    `json:"batch_size"`
	MaxRetries        int    `json:"max_retries"`
	SummaryMaxRetries int    `json:"summary_max_retries"`
	BaseDelay         string `json:"base_delay"`
	MaxDelay          string `json:"max_delay"`
	CallTimeout       string `json:"call_timeout"`
	Timeout           string `json:"timeout"`
}

func (m *Montage) Info() Info {
	wf := m.workflow
	return Info{
		Provider:          m.provider,
		ImageModel:        m.models[0],
		TextModel:         m.models[1],
		BatchSize:         wf.BatchSize,
		MaxRetries:        wf.MaxRetries,
		SummaryMaxRetries: wf.SummaryMaxRetries,
		BaseDelay:         wf.BaseDelay.String(),
		MaxDelay:          wf.MaxDelay.String(),
		CallTimeout:       wf.CallTimeout.String(),
		Timeout:           wf.Timeout.String(),
	}
}

// ProcessImages describes every image and summarizes the successful
// descriptions. Images are dispatched concurrently in groups of
// Workflow.BatchSize; a group starts only once the previous one has fully
// finished. The returned Result has one outcome per image, in input order.
//
// When Workflow.Timeout is set and expires, images still pending are marked
// failed with ErrWorkflowTimeout and the partial result is returned without
// waiting for their calls to return.
func (m *Montage) ProcessImages(ctx context.Context, images []ImageRef) *Result {
	res := &Result{
		ID:        uuid.NewString(),
		Provider:  m.provider,
		StartedAt: time.Now(),
		Outcomes:  make([]Outcome, len(images)),
	}
	logger := m.logger.With("run", res.ID)

	if m.workflow.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.workflow.Timeout)
		defer cancel()
	}

	logger.Info("run started", "provider", m.provider, "images", len(images), "batch_size", m.workflow.BatchSize)

	done := make([]bool, len(images))
	for start := 0; start < len(images) && ctx.Err() == nil; start += m.workflow.BatchSize {
		end := min(start+m.workflow.BatchSize, len(images))
		if !m.runGroup(ctx, logger, images, start, end, res.Outcomes, done) {
			break
		}
	}
	res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)

	// Anything left pending was abandoned at the deadline
	for i, ok := range done {
		if ok {
			continue
		}
		o := Outcome{ID: images[i].ID, Status: StatusFailed, Error: abandonErr(ctx).Error()}
		res.Outcomes[i] = o
		m.emit(o)
		logger.Warn("image abandoned", "image", o.ID, "err", o.Error)
	}

	for _, o := range res.Outcomes {
		if o.Status == StatusSuccess {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	m.summarize(ctx, logger, res)
	if res.SummaryStatus == StatusFailed && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	res.Duration = time.Since(res.StartedAt)

	logger.Info("run finished",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"summary", res.SummaryStatus,
		"timed_out", res.TimedOut,
		"duration", res.Duration)

	return res
}

type slot struct {
	idx int
	o   Outcome
}

// runGroup describes images[start:end] concurrently and records each outcome
// at its input index. It returns false if ctx ended before every image in the
// group finished.
func (m *Montage) runGroup(ctx context.Context, logger *slog.Logger, images []ImageRef, start, end int, outcomes []Outcome, done []bool) bool {
	// Buffered so abandoned workers never block
	ch := make(chan slot, end-start)

	var g errgroup.Group
	for i := start; i < end; i++ {
		g.Go(func() error {
			ch <- slot{idx: i, o: m.describeOne(ctx, logger, images[i])}
			return nil
		})
	}

	record := func(s slot) {
		outcomes[s.idx] = s.o
		done[s.idx] = true
		m.emit(s.o)
		if s.o.Status == StatusSuccess {
			logger.Debug("image described", "image", s.o.ID, "attempts", s.o.Attempts, "duration", s.o.Duration)
		} else {
			logger.Warn("image failed", "image", s.o.ID, "attempts", s.o.Attempts, "err", s.o.Error)
		}
	}

	for range end - start {
		select {
		case s := <-ch:
			record(s)
		case <-ctx.Done():
			// Keep whatever already finished, abandon the rest
			for {
				select {
				case s := <-ch:
					record(s)
				default:
					return false
				}
			}
		}
	}

	g.Wait()
	return true
}

func (m *Montage) describeOne(ctx context.Context, logger *slog.Logger, ref ImageRef) Outcome {
	start := time.Now()
	o := Outcome{ID: ref.ID}

	img, err := ref.load()
	if err != nil {
		o.Status = StatusFailed
		o.Error = err.Error()
		o.Duration = time.Since(start)
		return o
	}

	policy := m.policy(m.workflow.MaxRetries, func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying describe", "image", ref.ID, "attempt", attempt, "delay", delay, "err", err)
	})
	desc, attempts, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return m.describer.DescribeImage(ctx, img)
	})
	o.Attempts = attempts
	o.Duration = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", abandonErr(ctx), err)
		}
		o.Status = StatusFailed
		o.Error = err.Error()
		return o
	}

	o.Status = StatusSuccess
	o.Description = desc
	return o
}

func (m *Montage) summarize(ctx context.Context, logger *slog.Logger, res *Result) {
	descs := res.Descriptions()
	if len(descs) == 0 {
		res.SummaryStatus = StatusSkipped
		logger.Info("summary skipped, no successful descriptions")
		return
	}
	if ctx.Err() != nil {
		res.SummaryStatus = StatusFailed
		res.SummaryError = abandonErr(ctx).Error()
		logger.Error("summary abandoned", "err", res.SummaryError)
		return
	}

	policy := m.policy(m.workflow.SummaryMaxRetries, func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying summary", "attempt", attempt, "delay", delay, "err", err)
	})
	summary, _, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return m.summarizer.Summarize(ctx, descs)
	})
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", abandonErr(ctx), err)
		}
		res.SummaryStatus = StatusFailed
		res.SummaryError = err.Error()
		logger.Error("summary failed", "err", err)
		return
	}

	res.SummaryStatus = StatusSuccess
	res.Summary = summary
}

func (m *Montage) policy(maxRetries int, onRetry func(int, error, time.Duration)) retry.Policy {
	return retry.Policy{
		MaxRetries:  maxRetries,
		BaseDelay:   m.workflow.BaseDelay,
		MaxDelay:    m.workflow.MaxDelay,
		CallTimeout: m.workflow.CallTimeout,
		OnRetry:     onRetry,
	}
}

func (m *Montage) emit(o Outcome) {
	if m.onOutcome != nil {
		m.onOutcome(o)
	}
}

// abandonErr explains why work stopped once ctx is done.
func abandonErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrWorkflowTimeout
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrWorkflowTimeout
}
