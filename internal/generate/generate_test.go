package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/notify"
	"github.com/inkwellhq/inkwell/internal/providers"
	"github.com/inkwellhq/inkwell/internal/queue"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/types"
	"github.com/inkwellhq/inkwell/internal/usage"
)

type queuedMessage struct {
	msg   *queue.Message
	delay time.Duration
}

// captureQueue records enqueued messages and their delays so tests can
// drive the delivery chain by hand.
type captureQueue struct {
	mu   sync.Mutex
	msgs []queuedMessage
}

func (q *captureQueue) Enqueue(_ context.Context, msg *queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, queuedMessage{msg: msg})
	return nil
}

func (q *captureQueue) EnqueueAfter(_ context.Context, msg *queue.Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, queuedMessage{msg: msg, delay: delay})
	return nil
}

func (q *captureQueue) pop() (queuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		return queuedMessage{}, false
	}
	qm := q.msgs[0]
	q.msgs = q.msgs[1:]
	return qm, true
}

func (q *captureQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *captureNotifier) Notify(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *captureNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Event(nil), n.events...)
}

type captureUsage struct {
	mu      sync.Mutex
	records []usage.Record
}

func (u *captureUsage) Record(rec usage.Record) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, rec)
}

func (u *captureUsage) all() []usage.Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]usage.Record(nil), u.records...)
}

type fixture struct {
	store    *store.MemoryStore
	blobs    *blob.MemoryStore
	queue    *captureQueue
	notes    *captureNotifier
	usage    *captureUsage
	registry *providers.Registry
	mock     *providers.Mock
	proc     *Processor
}

func newFixture(t *testing.T, mockCfg providers.MockConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		store:    store.NewMemoryStore(),
		blobs:    blob.NewMemoryStore(),
		queue:    &captureQueue{},
		notes:    &captureNotifier{},
		usage:    &captureUsage{},
		registry: providers.NewRegistry(logger),
	}
	f.mock = providers.NewMock(mockCfg)
	f.registry.Register(f.mock)

	f.proc = New(Config{
		Store:           f.store,
		Blobs:           f.blobs,
		Queue:           f.queue,
		Providers:       f.registry,
		Notifier:        f.notes,
		Usage:           f.usage,
		Logger:          logger,
		DefaultProvider: f.mock.Name(),
		InterUnitDelay:  10 * time.Millisecond,
	})
	return f
}

func (f *fixture) seedBook(t *testing.T, ownerID, title string) *types.Book {
	t.Helper()
	book := &types.Book{OwnerID: ownerID, Title: title}
	if err := f.store.CreateBook(context.Background(), book); err != nil {
		t.Fatalf("creating book: %v", err)
	}
	return book
}

// drain delivers queued messages to the processor until the queue is
// empty, returning how many deliveries it made.
func (f *fixture) drain(t *testing.T) int {
	t.Helper()
	steps := 0
	for {
		qm, ok := f.queue.pop()
		if !ok {
			return steps
		}
		if err := f.proc.ProcessIndex(context.Background(), qm.msg.JobID, qm.msg.PromptIndex); err != nil {
			t.Fatalf("delivery %d (index %d): %v", steps+1, qm.msg.PromptIndex, err)
		}
		steps++
		if steps > 500 {
			t.Fatal("delivery chain did not terminate")
		}
	}
}

func TestCreateGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, created, err := f.proc.Create(ctx, CreateRequest{
		OwnerID: "owner-1",
		BookID:  book.ID,
		Prompts: []string{"a crab", "a whale"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created {
		t.Error("created = false, want true")
	}
	if job.Status != jobs.StatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if len(job.Prompts) != 2 {
		t.Errorf("prompts = %v", job.Prompts)
	}

	qm, ok := f.queue.pop()
	if !ok {
		t.Fatal("no message enqueued")
	}
	if qm.msg.Kind != jobs.KindGeneration || qm.msg.JobID != job.ID || qm.msg.PromptIndex != 0 {
		t.Errorf("enqueued %+v, want generation message for %s index 0", qm.msg, job.ID)
	}
	if qm.delay != 0 {
		t.Errorf("first delivery delayed by %v, want immediate", qm.delay)
	}
}

func TestCreateGenerationValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	t.Run("no prompts", func(t *testing.T) {
		_, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID})
		if !errors.Is(err, ErrNoPrompts) {
			t.Errorf("err = %v, want ErrNoPrompts", err)
		}
	})

	t.Run("blank prompt", func(t *testing.T) {
		_, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a crab", "   "}})
		if err == nil || !strings.Contains(err.Error(), "prompt 2") {
			t.Errorf("err = %v, want a blank-prompt rejection naming prompt 2", err)
		}
	})

	t.Run("too many prompts", func(t *testing.T) {
		prompts := make([]string, MaxPrompts+1)
		for i := range prompts {
			prompts[i] = fmt.Sprintf("subject %d", i)
		}
		_, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: prompts})
		if !errors.Is(err, ErrTooManyPrompts) {
			t.Errorf("err = %v, want ErrTooManyPrompts", err)
		}
	})

	t.Run("unknown book", func(t *testing.T) {
		_, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: "nope", Prompts: []string{"a crab"}})
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("owner mismatch", func(t *testing.T) {
		_, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-2", BookID: book.ID, Prompts: []string{"a crab"}})
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, _, err := f.proc.Create(ctx, CreateRequest{
			OwnerID: "owner-1",
			BookID:  book.ID,
			Prompts: []string{"a crab"},
			Options: jobs.GenerationOptions{Provider: "imaginary"},
		})
		if err == nil || !strings.Contains(err.Error(), "imaginary") {
			t.Errorf("err = %v, want an unknown-provider rejection", err)
		}
	})

	if got := f.queue.size(); got != 0 {
		t.Errorf("%d messages enqueued by rejected requests, want 0", got)
	}
}

func TestCreateGenerationAttachesToActiveJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	first, created, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a", "b"}})
	if err != nil || !created {
		t.Fatalf("first Create: created=%v err=%v", created, err)
	}
	second, created, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"c"}})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if created {
		t.Error("second Create reported created = true, want attach to the active job")
	}
	if second.ID != first.ID {
		t.Errorf("second Create returned job %s, want %s", second.ID, first.ID)
	}
	if len(second.Prompts) != 2 {
		t.Errorf("attached job's prompts = %v, want the original list", second.Prompts)
	}
	if got := f.queue.size(); got != 2 {
		t.Errorf("%d messages enqueued, want 2 (initial plus nudge)", got)
	}
}

func TestGenerationRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{
		Fail: map[string]error{"broken": errors.New("upstream hiccup")},
	})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{
		OwnerID: "owner-1",
		BookID:  book.ID,
		Prompts: []string{"a crab", "a broken thing", "a whale"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if steps := f.drain(t); steps != 3 {
		t.Errorf("took %d deliveries, want 3 (one per prompt)", steps)
	}

	done, err := f.store.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("status = %q (error %q), want completed", done.Status, done.Error)
	}
	if done.CompletedCount != 2 || done.FailedCount != 1 || done.SkippedCount != 0 {
		t.Errorf("counts = %d/%d/%d, want 2 completed, 1 failed, 0 skipped",
			done.CompletedCount, done.FailedCount, done.SkippedCount)
	}

	// Exactly one page per successful prompt, in delivery order.
	pages, err := f.store.ListPages(ctx, book.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Fatalf("book has %d pages, want 2", len(pages))
	}
	if pages[0].Prompt != "a crab" || pages[1].Prompt != "a whale" {
		t.Errorf("page prompts = %q, %q", pages[0].Prompt, pages[1].Prompt)
	}

	// Each page image is mirrored to object storage and referenced.
	for _, page := range pages {
		if page.ArtifactKey == "" {
			t.Errorf("page %s has no artifact key", page.ID)
			continue
		}
		if !strings.HasPrefix(page.ArtifactKey, "books/"+book.ID+"/pages/page-") {
			t.Errorf("artifact key = %q", page.ArtifactKey)
		}
		if _, err := f.blobs.Get(ctx, page.ArtifactKey); err != nil {
			t.Errorf("artifact %s missing from blob store: %v", page.ArtifactKey, err)
		}
	}

	recs := f.usage.all()
	if len(recs) != 2 {
		t.Fatalf("%d usage records, want 2", len(recs))
	}
	if recs[0].Provider != "mock" || recs[0].Images != 1 || recs[0].JobID != job.ID {
		t.Errorf("usage record = %+v", recs[0])
	}

	events := f.notes.all()
	if len(events) != 1 {
		t.Fatalf("%d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Status != string(jobs.StatusCompleted) || ev.Processed != 2 || ev.Failed != 1 || ev.Total != 3 {
		t.Errorf("event = %+v", ev)
	}
}

func TestGenerationCarriesRenderingOptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	_, _, err := f.proc.Create(ctx, CreateRequest{
		OwnerID: "owner-1",
		BookID:  book.ID,
		Prompts: []string{"a crab"},
		Options: jobs.GenerationOptions{Style: "woodcut", BorderStyle: "scalloped", Bleed: true},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.drain(t)

	req := f.mock.LastRequest()
	if req == nil {
		t.Fatal("provider saw no request")
	}
	if req.Style != "woodcut" || req.Border != "scalloped" || !req.Bleed {
		t.Errorf("provider request carried style=%q border=%q bleed=%v", req.Style, req.Border, req.Bleed)
	}

	pages, err := f.store.ListPages(ctx, book.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 {
		t.Fatalf("book has %d pages, want 1", len(pages))
	}
	style := pages[0].Style
	if style.Style != "woodcut" || style.BorderStyle != "scalloped" || !style.Bleed {
		t.Errorf("page recorded style %+v, want the job's rendering options", style)
	}
}

func TestGenerationContinuationsAreDelayed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	_, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _ := f.queue.pop()
	if err := f.proc.ProcessIndex(ctx, first.msg.JobID, first.msg.PromptIndex); err != nil {
		t.Fatal(err)
	}

	next, ok := f.queue.pop()
	if !ok {
		t.Fatal("no continuation enqueued")
	}
	if next.msg.PromptIndex != 1 {
		t.Errorf("continuation index = %d, want 1", next.msg.PromptIndex)
	}
	if next.delay != 10*time.Millisecond {
		t.Errorf("continuation delay = %v, want the configured inter-unit delay", next.delay)
	}
}

func TestGenerationFatalAbandonsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{
		Fail: map[string]error{
			"first": &providers.HTTPError{Provider: "mock", StatusCode: 402, Message: "billing hard limit reached"},
		},
	})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{
		OwnerID: "owner-1",
		BookID:  book.ID,
		Prompts: []string{"first subject", "second subject", "third subject"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if steps := f.drain(t); steps != 1 {
		t.Errorf("took %d deliveries, want 1 (the chain must stop)", steps)
	}

	done, err := f.store.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobs.StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "quota exhausted") {
		t.Errorf("error = %q, want the fatal class named", done.Error)
	}
	if done.CompletedCount != 0 || done.FailedCount != 1 || done.SkippedCount != 2 {
		t.Errorf("counts = %d/%d/%d, want 0 completed, 1 failed, 2 skipped",
			done.CompletedCount, done.FailedCount, done.SkippedCount)
	}

	pages, err := f.store.ListPages(ctx, book.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 0 {
		t.Errorf("book gained %d pages from an abandoned job", len(pages))
	}

	events := f.notes.all()
	if len(events) != 1 || events[0].Status != string(jobs.StatusFailed) {
		t.Fatalf("events = %+v, want one failed event", events)
	}
	if events[0].Skipped != 2 {
		t.Errorf("event skipped = %d, want 2", events[0].Skipped)
	}
}

func TestGenerationRateLimitFatalPenalizesLimiter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{
		Fail: map[string]error{
			"crab": &providers.HTTPError{Provider: "mock", StatusCode: 429, Message: "slow down", RetryAfter: time.Minute},
		},
	})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a crab"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.drain(t)

	done, err := f.store.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobs.StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "rate limited") {
		t.Errorf("error = %q, want the rate-limit class named", done.Error)
	}
	if p := f.registry.Limiter("mock").Penalty(); p <= 0 {
		t.Error("limiter was not penalized after a 429")
	}
}

func TestGenerationDuplicateDeliveryDoesNotDoubleSpend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, _ := f.queue.pop()
	if err := f.proc.ProcessIndex(ctx, first.msg.JobID, first.msg.PromptIndex); err != nil {
		t.Fatal(err)
	}

	// Redeliver index 0. It must not generate again, only re-arm the
	// continuation for index 1.
	if err := f.proc.ProcessIndex(ctx, job.ID, 0); err != nil {
		t.Fatal(err)
	}
	if calls := f.mock.Calls(); calls != 1 {
		t.Errorf("provider called %d times after duplicate delivery, want 1", calls)
	}

	f.drain(t)

	done, err := f.store.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("status = %q, want completed", done.Status)
	}
	pages, err := f.store.ListPages(ctx, book.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 2 {
		t.Errorf("book has %d pages, want exactly 2 despite the duplicate", len(pages))
	}
}

func TestGenerationAheadDeliveryDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.queue.pop()

	if err := f.proc.ProcessIndex(ctx, job.ID, 2); err != nil {
		t.Fatalf("ahead delivery: %v", err)
	}
	if calls := f.mock.Calls(); calls != 0 {
		t.Errorf("provider called %d times by an ahead delivery, want 0", calls)
	}
	if got := f.queue.size(); got != 0 {
		t.Errorf("ahead delivery enqueued %d messages, want 0", got)
	}

	done, err := f.store.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Consumed() != 0 {
		t.Errorf("counters moved on an ahead delivery: %d", done.Consumed())
	}
}

func TestGenerationMissingProviderFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{
		OwnerID: "owner-1",
		BookID:  book.ID,
		Prompts: []string{"a", "b"},
		Options: jobs.GenerationOptions{Provider: "mock"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The provider disappears between creation and processing, as it
	// would on a config reload that removed its key.
	f.registry.Unregister("mock")
	f.drain(t)

	done, err := f.store.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobs.StatusFailed {
		t.Fatalf("status = %q, want failed", done.Status)
	}
	if !strings.Contains(done.Error, "not configured") {
		t.Errorf("error = %q", done.Error)
	}
	if done.SkippedCount != 2 {
		t.Errorf("skipped = %d, want the whole prompt list", done.SkippedCount)
	}
}

func TestGenerationTerminalRedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.drain(t)

	if err := f.proc.ProcessIndex(ctx, job.ID, 0); err != nil {
		t.Fatalf("redelivery of a completed job: %v", err)
	}
	if calls := f.mock.Calls(); calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
	if got := len(f.notes.all()); got != 1 {
		t.Errorf("%d events after redelivery, want 1", got)
	}
}

func TestGenerationUnknownJobAcked(t *testing.T) {
	f := newFixture(t, providers.MockConfig{})
	if err := f.proc.ProcessIndex(context.Background(), "ghost", 0); err != nil {
		t.Fatalf("ProcessIndex for unknown job: %v, want nil so the message is dropped", err)
	}
}

func TestGenerationFinalizesAfterLostContinuation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, providers.MockConfig{})
	book := f.seedBook(t, "owner-1", "Sea Creatures")

	job, _, err := f.proc.Create(ctx, CreateRequest{OwnerID: "owner-1", BookID: book.ID, Prompts: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.queue.pop()

	// Simulate a worker that resolved every prompt and crashed before
	// completing the job.
	if err := f.store.MarkGenerationProcessing(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		page := &types.Page{BookID: book.ID, Prompt: job.Prompts[i], Format: "png", Data: []byte("img")}
		if err := f.store.RecordGenerationSuccess(ctx, job.ID, i, page); err != nil {
			t.Fatal(err)
		}
	}

	// Any late delivery repairs the missing finalize.
	if err := f.proc.ProcessIndex(ctx, job.ID, 1); err != nil {
		t.Fatal(err)
	}

	done, err := f.store.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("status = %q, want completed", done.Status)
	}
	if got := len(f.notes.all()); got != 1 {
		t.Errorf("%d events, want 1", got)
	}
}
