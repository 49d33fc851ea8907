// Package generate runs generation jobs. Each queue delivery resolves
// exactly one prompt: call the image provider, then either insert the
// new page or count the failure, and schedule the next index after a
// fixed delay. The job row's counters decide which index is live, so
// duplicate and out-of-order deliveries cannot double-spend a prompt.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/notify"
	"github.com/inkwellhq/inkwell/internal/providers"
	"github.com/inkwellhq/inkwell/internal/queue"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/types"
	"github.com/inkwellhq/inkwell/internal/usage"
)

// DefaultInterUnitDelay spaces consecutive provider calls within one
// job. It is a rate-limit mitigation, not a correctness requirement.
const DefaultInterUnitDelay = 2 * time.Second

// MaxPrompts bounds one job. Larger requests should be split.
const MaxPrompts = 100

var (
	// ErrNoPrompts rejects creation without at least one usable prompt.
	ErrNoPrompts = errors.New("no prompts supplied")

	// ErrTooManyPrompts rejects prompt lists over MaxPrompts.
	ErrTooManyPrompts = errors.New("too many prompts")

	// ErrEmptyPrompt rejects creation when any prompt is blank.
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrUnknownProvider rejects creation naming a provider the registry
	// does not have.
	ErrUnknownProvider = errors.New("unknown image provider")
)

// Store is the slice of the persistence layer the processor uses.
type Store interface {
	store.BookStore
	store.PageStore
	store.GenerationJobStore
}

// UsageSink receives one record per billable provider call.
// *usage.Recorder implements it.
type UsageSink interface {
	Record(rec usage.Record)
}

// Config wires a Processor.
type Config struct {
	Store     Store
	Blobs     blob.Store
	Queue     queue.Producer
	Providers *providers.Registry
	Notifier  notify.Notifier
	Usage     UsageSink
	Logger    *slog.Logger

	// DefaultProvider names the registry entry used when a job does not
	// pick one.
	DefaultProvider string

	// InterUnitDelay spaces consecutive prompt deliveries.
	InterUnitDelay time.Duration
}

// Processor creates generation jobs and resolves them one prompt at a
// time.
type Processor struct {
	store     Store
	blobs     blob.Store
	producer  queue.Producer
	providers *providers.Registry
	notifier  notify.Notifier
	usage     UsageSink
	logger    *slog.Logger

	defaultProvider string
	delay           time.Duration
}

// New builds a Processor.
func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.InterUnitDelay
	if delay <= 0 {
		delay = DefaultInterUnitDelay
	}
	defaultProvider := cfg.DefaultProvider
	if defaultProvider == "" {
		defaultProvider = "openai"
	}
	return &Processor{
		store:           cfg.Store,
		blobs:           cfg.Blobs,
		producer:        cfg.Queue,
		providers:       cfg.Providers,
		notifier:        cfg.Notifier,
		usage:           cfg.Usage,
		logger:          logger.With("component", "generate"),
		defaultProvider: defaultProvider,
		delay:           delay,
	}
}

// CreateRequest describes a generation job to register.
type CreateRequest struct {
	OwnerID string
	BookID  string
	Prompts []string
	Options jobs.GenerationOptions

	// NotifyAddress receives the terminal event for this job. Optional.
	NotifyAddress string
}

// Create registers a generation job and enqueues its first prompt. If
// the book already has a generation in flight the caller is attached to
// it instead and created is false; the attached job gets a continuation
// for its true next index, which repairs a chain whose previous message
// was lost.
func (p *Processor) Create(ctx context.Context, req CreateRequest) (*jobs.GenerationJob, bool, error) {
	prompts := make([]string, len(req.Prompts))
	for i, prompt := range req.Prompts {
		prompts[i] = strings.TrimSpace(prompt)
		if prompts[i] == "" {
			return nil, false, fmt.Errorf("%w: prompt %d", ErrEmptyPrompt, i+1)
		}
	}
	if len(prompts) == 0 {
		return nil, false, ErrNoPrompts
	}
	if len(prompts) > MaxPrompts {
		return nil, false, fmt.Errorf("%w: %d exceeds the limit of %d", ErrTooManyPrompts, len(prompts), MaxPrompts)
	}

	book, err := p.store.GetBook(ctx, req.BookID)
	if err != nil {
		return nil, false, err
	}
	if req.OwnerID != "" && book.OwnerID != req.OwnerID {
		return nil, false, fmt.Errorf("%w: book %s", store.ErrNotFound, req.BookID)
	}

	if name := req.Options.Provider; name != "" && !p.providers.Has(name) {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	job := &jobs.GenerationJob{
		ID:            uuid.NewString(),
		BookID:        book.ID,
		OwnerID:       book.OwnerID,
		Prompts:       prompts,
		Options:       req.Options,
		NotifyAddress: req.NotifyAddress,
	}
	job, created, err := p.store.CreateGenerationJob(ctx, job)
	if err != nil {
		return nil, false, err
	}

	next := 0
	if !created {
		next = job.Consumed()
	}
	if err := p.producer.Enqueue(ctx, queue.Generation(job.ID, next)); err != nil {
		return nil, false, fmt.Errorf("generation job %s saved but continuation not enqueued: %w", job.ID, err)
	}

	if created {
		p.logger.Info("generation job created",
			"job_id", job.ID, "book_id", book.ID, "prompts", len(prompts),
			"provider", p.providerName(job))
	} else {
		p.logger.Info("attached to active generation job", "job_id", job.ID, "book_id", book.ID)
	}
	return job, created, nil
}

// ProcessIndex resolves the prompt at the given index, provided the job
// row agrees it is the next one. Deliveries behind the row are
// duplicates and only re-arm the continuation; deliveries ahead of it
// are dropped. Terminal and unknown jobs are acknowledged without work.
//
// Like export, domain failures terminally fail the job and return nil
// so the chain stops; only infrastructure errors propagate to the queue
// for redelivery.
func (p *Processor) ProcessIndex(ctx context.Context, jobID string, promptIndex int) error {
	job, err := p.store.GetGenerationJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Warn("dropping continuation for unknown generation job", "job_id", jobID)
			return nil
		}
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status == jobs.StatusPending {
		if err := p.store.MarkGenerationProcessing(ctx, jobID); err != nil {
			return err
		}
		job.Status = jobs.StatusProcessing
	}

	consumed := job.Consumed()
	if consumed >= len(job.Prompts) {
		// Every prompt is resolved; a crashed invocation may have
		// dropped the finalize.
		return p.finalize(ctx, job)
	}

	switch {
	case promptIndex < consumed:
		// Duplicate of a resolved unit. Re-arm the continuation for the
		// true next index so a lost message cannot strand the job.
		p.logger.Debug("duplicate generation delivery",
			"job_id", jobID, "prompt_index", promptIndex, "consumed", consumed)
		return p.enqueueNext(ctx, jobID, consumed)
	case promptIndex > consumed:
		p.logger.Warn("generation delivery ahead of job state, dropping",
			"job_id", jobID, "prompt_index", promptIndex, "consumed", consumed)
		return nil
	}

	return p.processUnit(ctx, job, promptIndex)
}

// processUnit calls the provider for one prompt and records the
// outcome. Exactly one of the job's counters moves, or the job fails
// terminally on a fatal provider error.
func (p *Processor) processUnit(ctx context.Context, job *jobs.GenerationJob, index int) error {
	name := p.providerName(job)
	provider, err := p.providers.Get(name)
	if err != nil {
		// Redelivery cannot conjure a provider; the job can never make
		// progress.
		return p.fail(ctx, job, fmt.Sprintf("image provider %q is not configured", name))
	}

	limiter := p.providers.Limiter(name)
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	result, genErr := provider.Generate(ctx, &providers.GenerateRequest{
		Prompt:    job.Prompts[index],
		Style:     job.Options.Style,
		Border:    job.Options.BorderStyle,
		Bleed:     job.Options.Bleed,
		Model:     job.Options.Model,
		Size:      job.Options.Size,
		RequestID: fmt.Sprintf("%s-%d", job.ID, index),
	})

	var advanced bool
	switch {
	case genErr == nil && result != nil && len(result.Data) > 0:
		limiter.RecordSuccess()
		advanced, err = p.recordSuccess(ctx, job, index, name, result)
		if err != nil {
			return err
		}

	case providers.IsFatal(genErr):
		if httpErr, ok := providers.AsHTTPError(genErr); ok && httpErr.StatusCode == http.StatusTooManyRequests {
			limiter.Record429(httpErr.RetryAfter)
		}
		return p.failFatal(ctx, job, index, genErr)

	default:
		// Transient: retryable provider error or an empty artifact. The
		// prompt is spent and the chain continues.
		cause := "provider returned no image"
		if genErr != nil {
			cause = genErr.Error()
		}
		p.logger.Warn("prompt failed",
			"job_id", job.ID, "prompt_index", index, "provider", name, "cause", cause)
		advanced, err = p.recordFailure(ctx, job, index)
		if err != nil {
			return err
		}
	}

	if !advanced {
		// Another delivery raced us past this index and owns the
		// continuation.
		return nil
	}
	if job.Consumed() >= len(job.Prompts) {
		return p.finalize(ctx, job)
	}
	return p.enqueueNext(ctx, job.ID, job.Consumed())
}

// recordSuccess inserts the generated page and mirrors its image to
// object storage. The row is the source of truth; a failed mirror write
// only costs the storage copy, so it is logged and not retried.
func (p *Processor) recordSuccess(ctx context.Context, job *jobs.GenerationJob, index int, providerName string, result *providers.GenerateResult) (bool, error) {
	page := &types.Page{
		BookID: job.BookID,
		Prompt: job.Prompts[index],
		Format: result.Format,
		Style: types.PageStyle{
			Style:       job.Options.Style,
			BorderStyle: job.Options.BorderStyle,
			Bleed:       job.Options.Bleed,
		},
		Data: result.Data,
	}
	if err := p.store.RecordGenerationSuccess(ctx, job.ID, index, page); err != nil {
		if errors.Is(err, store.ErrStale) {
			p.logger.Debug("prompt already resolved by another delivery",
				"job_id", job.ID, "prompt_index", index)
			return false, nil
		}
		return false, err
	}
	job.CompletedCount++

	key := pageKey(page)
	key, err := p.blobs.Put(ctx, key, page.Data)
	if err != nil {
		p.logger.Warn("could not mirror page image to object storage",
			"job_id", job.ID, "page_id", page.ID, "error", err)
	} else if err := p.store.SetPageArtifact(ctx, page.ID, key); err != nil {
		p.logger.Warn("could not record page artifact key",
			"job_id", job.ID, "page_id", page.ID, "error", err)
	}

	if p.usage != nil {
		p.usage.Record(usage.Record{
			OwnerID:  job.OwnerID,
			JobID:    job.ID,
			Provider: providerName,
			Model:    result.Model,
			Images:   1,
			CostUSD:  result.CostUSD,
		})
	}

	p.logger.Info("page generated",
		"job_id", job.ID, "prompt_index", index, "page_id", page.ID,
		"position", page.Position, "provider", providerName,
		"duration", result.ExecutionTime)
	return true, nil
}

// recordFailure bumps the failed counter for one prompt. A stale guard
// means another delivery resolved the index first.
func (p *Processor) recordFailure(ctx context.Context, job *jobs.GenerationJob, index int) (bool, error) {
	if err := p.store.RecordGenerationFailure(ctx, job.ID, index); err != nil {
		if errors.Is(err, store.ErrStale) {
			p.logger.Debug("prompt already resolved by another delivery",
				"job_id", job.ID, "prompt_index", index)
			return false, nil
		}
		return false, err
	}
	job.FailedCount++
	return true, nil
}

// failFatal counts the triggering prompt as failed, then abandons the
// job. Prompts after it are never attempted and are recorded as
// skipped, so completed + failed + skipped always covers the list.
func (p *Processor) failFatal(ctx context.Context, job *jobs.GenerationJob, index int, genErr error) error {
	advanced, err := p.recordFailure(ctx, job, index)
	if err != nil {
		return err
	}
	if !advanced {
		return nil
	}
	return p.fail(ctx, job, fmt.Sprintf("%s: %v", providers.FatalReason(genErr), genErr))
}

// fail terminally fails the job and emits the terminal event. ErrStale
// means another delivery already finished the job, which is not an
// error here.
func (p *Processor) fail(ctx context.Context, job *jobs.GenerationJob, cause string) error {
	skipped := len(job.Prompts) - job.Consumed()
	if skipped < 0 {
		skipped = 0
	}
	if err := p.store.FailGenerationJob(ctx, job.ID, cause, skipped); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil
		}
		return err
	}
	job.Status = jobs.StatusFailed
	job.Error = cause
	job.SkippedCount = skipped

	p.logger.Warn("generation job failed",
		"job_id", job.ID, "book_id", job.BookID, "cause", cause,
		"completed", job.CompletedCount, "failed", job.FailedCount, "skipped", skipped)
	p.notifyTerminal(ctx, job)
	return nil
}

// finalize completes a job whose prompts are all resolved.
func (p *Processor) finalize(ctx context.Context, job *jobs.GenerationJob) error {
	if err := p.store.CompleteGenerationJob(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrStale) {
			p.logger.Debug("generation job finished by another delivery", "job_id", job.ID)
			return nil
		}
		return err
	}
	job.Status = jobs.StatusCompleted

	p.logger.Info("generation job completed",
		"job_id", job.ID, "book_id", job.BookID,
		"completed", job.CompletedCount, "failed", job.FailedCount)
	p.notifyTerminal(ctx, job)
	return nil
}

func (p *Processor) enqueueNext(ctx context.Context, jobID string, index int) error {
	if err := p.producer.EnqueueAfter(ctx, queue.Generation(jobID, index), p.delay); err != nil {
		return fmt.Errorf("generation job %s advanced but continuation not enqueued: %w", jobID, err)
	}
	return nil
}

func (p *Processor) providerName(job *jobs.GenerationJob) string {
	if job.Options.Provider != "" {
		return job.Options.Provider
	}
	return p.defaultProvider
}

// notifyTerminal emits the terminal event. The notifier must not block;
// the detached context keeps late webhook retries alive after this
// delivery's context is gone.
func (p *Processor) notifyTerminal(ctx context.Context, job *jobs.GenerationJob) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(context.WithoutCancel(ctx), notify.Event{
		Kind:       string(jobs.KindGeneration),
		JobID:      job.ID,
		BookID:     job.BookID,
		OwnerID:    job.OwnerID,
		Status:     string(job.Status),
		Error:      job.Error,
		Address:    job.NotifyAddress,
		Processed:  job.CompletedCount,
		Failed:     job.FailedCount,
		Skipped:    job.SkippedCount,
		Total:      len(job.Prompts),
		OccurredAt: time.Now().UTC(),
	})
}

// pageKey places a generated page image in object storage: zero-padded
// position plus a short id suffix, mirroring export staging names.
func pageKey(page *types.Page) string {
	id := page.ID
	if len(id) > 6 {
		id = id[:6]
	}
	return fmt.Sprintf("books/%s/pages/page-%04d-%s.%s", page.BookID, page.Position, id, page.Ext())
}
