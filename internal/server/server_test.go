package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inkwellhq/inkwell/internal/blob"
	"github.com/inkwellhq/inkwell/internal/config"
	"github.com/inkwellhq/inkwell/internal/export"
	"github.com/inkwellhq/inkwell/internal/generate"
	"github.com/inkwellhq/inkwell/internal/jobs"
	"github.com/inkwellhq/inkwell/internal/notify"
	"github.com/inkwellhq/inkwell/internal/providers"
	"github.com/inkwellhq/inkwell/internal/queue"
	"github.com/inkwellhq/inkwell/internal/server/endpoints"
	"github.com/inkwellhq/inkwell/internal/store"
	"github.com/inkwellhq/inkwell/internal/svcctx"
	"github.com/inkwellhq/inkwell/internal/types"
	"github.com/inkwellhq/inkwell/internal/usage"
)

const (
	aliceToken   = "tok-alice"
	bobToken     = "tok-bob"
	serviceToken = "svc-secret"
)

// testEnv runs a Server through the full middleware chain against an
// in-memory store and a filesystem blob root, skipping Start so no
// Postgres or Redis is needed.
type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	store *store.MemoryStore
	blobs blob.Store
	rec   *usage.Recorder
}

// newTestEnv builds a ready-to-serve environment. With auth enabled the
// config carries tokens for alice and bob plus a service credential;
// without it the server runs in open mode.
func newTestEnv(t *testing.T, withAuth bool) *testEnv {
	t.Helper()

	dir := t.TempDir()
	cfgYAML := "server:\n  rate_limit_rps: 0\nqueue:\n  backend: local\n"
	if withAuth {
		cfgYAML += "auth:\n  tokens:\n    alice: " + aliceToken + "\n    bob: " + bobToken + "\n  service_token: " + serviceToken + "\n"
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatalf("config manager: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(Config{ConfigManager: mgr, Logger: logger})
	if err != nil {
		t.Fatalf("server: %v", err)
	}

	st := store.NewMemoryStore()
	blobs, err := blob.NewFSStore(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	q := queue.NewLocalQueue(64, logger)
	t.Cleanup(func() { _ = q.Close() })

	registry := providers.NewRegistry(logger)
	registry.Register(providers.NewMock(providers.MockConfig{CostPerImageUSD: 0.01}))

	rec := usage.NewRecorder(usage.RecorderConfig{
		Writer:        st,
		BatchSize:     1,
		FlushInterval: time.Minute,
		Logger:        logger,
	})
	rec.Start(t.Context())
	t.Cleanup(rec.Stop)

	notifier := notify.Multi{&notify.LogNotifier{Logger: logger}}
	exportProc := export.New(export.Config{
		Store: st, Blobs: blobs, Queue: q, Notifier: notifier, Logger: logger,
	})
	generateProc := generate.New(generate.Config{
		Store:           st,
		Blobs:           blobs,
		Queue:           q,
		Providers:       registry,
		Notifier:        notifier,
		Usage:           rec,
		Logger:          logger,
		DefaultProvider: "mock",
		InterUnitDelay:  time.Millisecond,
	})

	srv.services.Store(&svcctx.Services{
		Store:      st,
		Blobs:      blobs,
		Queue:      q,
		Registry:   registry,
		Config:     mgr,
		Notifier:   notifier,
		Usage:      rec,
		Export:     exportProc,
		Generation: generateProc,
		Logger:     logger,
	})

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, store: st, blobs: blobs, rec: rec}
}

// do sends a JSON request with an optional bearer token and decodes the
// response into out when it is non-nil. Returns the status code.
func (env *testEnv) do(t *testing.T, method, path, bearer string, body, out any) int {
	t.Helper()
	return env.send(t, method, path, map[string]string{"Authorization": "Bearer " + bearer}, bearer != "", body, out)
}

// doInternal sends a JSON request carrying the service credential.
func (env *testEnv) doInternal(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	return env.send(t, method, path, map[string]string{"X-Internal-Token": serviceToken}, true, body, out)
}

func (env *testEnv) send(t *testing.T, method, path string, headers map[string]string, withHeaders bool, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if withHeaders {
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

// get fetches a path raw, for binary responses.
func (env *testEnv) get(t *testing.T, path, bearer string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest("GET", env.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := env.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	return resp, data
}

// seedBook creates a book with the given number of fake pages directly
// in the store.
func (env *testEnv) seedBook(t *testing.T, owner, title string, pages int) *types.Book {
	t.Helper()
	book := &types.Book{OwnerID: owner, Title: title}
	if err := env.store.CreateBook(t.Context(), book); err != nil {
		t.Fatalf("seeding book: %v", err)
	}
	for i := 0; i < pages; i++ {
		page := &types.Page{BookID: book.ID, Prompt: "prompt", Format: "png", Data: []byte("image-bytes")}
		if err := env.store.AddPage(t.Context(), page); err != nil {
			t.Fatalf("seeding page %d: %v", i, err)
		}
	}
	return book
}

func TestServerNew(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("queue:\n  backend: local\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := New(Config{ConfigManager: mgr, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := srv.Addr(); got != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q, want 127.0.0.1:8080", got)
	}
	if srv.IsRunning() {
		t.Error("server reports running before Start")
	}

	t.Run("port override wins over config", func(t *testing.T) {
		srv, err := New(Config{Port: "9191", ConfigManager: mgr, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
		if err != nil {
			t.Fatal(err)
		}
		if got := srv.Addr(); got != "127.0.0.1:9191" {
			t.Errorf("Addr() = %q, want 127.0.0.1:9191", got)
		}
	})

	t.Run("config manager required", func(t *testing.T) {
		if _, err := New(Config{}); err == nil {
			t.Error("New accepted a nil config manager")
		}
	})
}

func TestRequireInitBeforeStart(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("queue:\n  backend: local\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := New(Config{ConfigManager: mgr, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health before Start = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/books", "application/json", strings.NewReader(`{"title":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("POST /books before Start = %d, want 503", resp.StatusCode)
	}
	if !strings.Contains(string(body), "not fully initialized") {
		t.Errorf("body = %s, want initialization error", body)
	}
}

func TestHealthReadyStatus(t *testing.T) {
	env := newTestEnv(t, false)

	var health endpoints.HealthResponse
	if code := env.do(t, "GET", "/health", "", nil, &health); code != http.StatusOK {
		t.Fatalf("/health = %d", code)
	}
	if health.Status != "ok" {
		t.Errorf("health status = %q", health.Status)
	}

	var ready endpoints.HealthResponse
	if code := env.do(t, "GET", "/ready", "", nil, &ready); code != http.StatusOK {
		t.Fatalf("/ready = %d", code)
	}
	if ready.Status != "ok" || ready.Database != "ok" || ready.Queue != "ok" {
		t.Errorf("ready = %+v", ready)
	}

	var status endpoints.StatusResponse
	if code := env.do(t, "GET", "/status", "", nil, &status); code != http.StatusOK {
		t.Fatalf("/status = %d", code)
	}
	if status.Server != "running" {
		t.Errorf("server = %q", status.Server)
	}
	if status.Database.Health != "healthy" {
		t.Errorf("database = %q", status.Database.Health)
	}
	if status.Queue.Backend != "local" {
		t.Errorf("queue backend = %q", status.Queue.Backend)
	}
	if len(status.Providers) != 1 || status.Providers[0] != "mock" {
		t.Errorf("providers = %v", status.Providers)
	}
}

func TestBookPageFlow(t *testing.T) {
	env := newTestEnv(t, false)

	var book types.Book
	if code := env.do(t, "POST", "/books", "", endpoints.CreateBookRequest{Title: "Dragons"}, &book); code != http.StatusCreated {
		t.Fatalf("create book = %d", code)
	}
	if book.ID == "" || book.Title != "Dragons" || book.OwnerID != "default" {
		t.Fatalf("book = %+v", book)
	}

	var books endpoints.ListBooksResponse
	env.do(t, "GET", "/books", "", nil, &books)
	if len(books.Books) != 1 {
		t.Fatalf("listed %d books, want 1", len(books.Books))
	}

	imageBytes := []byte("not-really-a-png")
	var first types.Page
	code := env.do(t, "POST", "/books/"+book.ID+"/pages", "", endpoints.AddPageRequest{
		Prompt: "a dragon",
		Data:   base64.StdEncoding.EncodeToString(imageBytes),
	}, &first)
	if code != http.StatusCreated {
		t.Fatalf("add page = %d", code)
	}
	if first.Position != 0 || first.Format != "png" {
		t.Errorf("first page = %+v", first)
	}

	var second types.Page
	env.do(t, "POST", "/books/"+book.ID+"/pages", "", endpoints.AddPageRequest{
		Prompt: "a castle",
		Data:   "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageBytes),
	}, &second)
	if second.Position != 1 || second.Format != "jpeg" {
		t.Errorf("second page = %+v", second)
	}

	t.Run("page image round trip", func(t *testing.T) {
		resp, data := env.get(t, "/pages/"+first.ID+"/image", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("image = %d", resp.StatusCode)
		}
		if !bytes.Equal(data, imageBytes) {
			t.Error("image bytes do not round trip")
		}
		if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("content type = %q", ct)
		}
	})

	t.Run("list strips image data", func(t *testing.T) {
		var pages endpoints.ListPagesResponse
		env.do(t, "GET", "/books/"+book.ID+"/pages", "", nil, &pages)
		if len(pages.Pages) != 2 {
			t.Fatalf("listed %d pages, want 2", len(pages.Pages))
		}
		for _, p := range pages.Pages {
			if len(p.Data) != 0 {
				t.Errorf("page %s carries image data in the listing", p.ID)
			}
		}
	})

	t.Run("move page", func(t *testing.T) {
		var moved types.Page
		if code := env.do(t, "POST", "/pages/"+second.ID+"/move", "", endpoints.MovePageRequest{Position: 0}, &moved); code != http.StatusOK {
			t.Fatalf("move = %d", code)
		}
		if moved.Position != 0 {
			t.Errorf("moved position = %d, want 0", moved.Position)
		}
	})

	t.Run("delete page", func(t *testing.T) {
		if code := env.do(t, "DELETE", "/pages/"+second.ID, "", nil, nil); code != http.StatusOK {
			t.Fatalf("delete page = %d", code)
		}
		resp, _ := env.get(t, "/pages/"+second.ID+"/image", "")
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("deleted page image = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("delete book", func(t *testing.T) {
		if code := env.do(t, "DELETE", "/books/"+book.ID, "", nil, nil); code != http.StatusOK {
			t.Fatalf("delete book = %d", code)
		}
		if code := env.do(t, "GET", "/books/"+book.ID, "", nil, nil); code != http.StatusNotFound {
			t.Errorf("deleted book = %d, want 404", code)
		}
	})
}

func TestExportEndToEnd(t *testing.T) {
	env := newTestEnv(t, true)
	book := env.seedBook(t, "alice", "Dragon Book", 2)

	var created endpoints.ExportResponse
	code := env.do(t, "POST", "/export", aliceToken, endpoints.ExportRequest{BookID: book.ID}, &created)
	if code != http.StatusAccepted {
		t.Fatalf("export create = %d, want 202", code)
	}
	if created.JobID == "" || created.Status != "pending" || created.TotalUnits != 2 {
		t.Fatalf("export response = %+v", created)
	}

	t.Run("second request attaches to the active job", func(t *testing.T) {
		var attached endpoints.ExportResponse
		code := env.do(t, "POST", "/export", aliceToken, endpoints.ExportRequest{BookID: book.ID}, &attached)
		if code != http.StatusOK {
			t.Fatalf("attach = %d, want 200", code)
		}
		if attached.JobID != created.JobID {
			t.Errorf("attached to job %s, want %s", attached.JobID, created.JobID)
		}
	})

	// One page per nudge: the second one stages the last page and
	// assembles the artifact inline.
	for i := 0; i < 2; i++ {
		var proc endpoints.ExportProcessResponse
		code := env.doInternal(t, "POST", "/export", endpoints.ExportRequest{JobID: created.JobID, IsInternalCall: true}, &proc)
		if code != http.StatusOK || !proc.Success {
			t.Fatalf("nudge %d = %d %+v", i+1, code, proc)
		}
	}

	var view jobs.View
	if code := env.do(t, "GET", "/jobs/"+created.JobID, aliceToken, nil, &view); code != http.StatusOK {
		t.Fatalf("get job = %d", code)
	}
	if view.Status != jobs.StatusCompleted {
		t.Fatalf("job status = %s, want completed", view.Status)
	}
	if view.Progress.Processed != 2 || view.Progress.Total != 2 {
		t.Errorf("progress = %+v", view.Progress)
	}
	if !strings.HasPrefix(view.ArtifactKey, "exports/alice/") {
		t.Errorf("artifact key = %q, want an exports/alice/ key", view.ArtifactKey)
	}
	if !strings.HasSuffix(view.ArtifactKey, ".zip") {
		t.Errorf("artifact key = %q, want a .zip", view.ArtifactKey)
	}

	t.Run("terminal job ignores further nudges", func(t *testing.T) {
		var proc endpoints.ExportProcessResponse
		code := env.doInternal(t, "POST", "/export", endpoints.ExportRequest{JobID: created.JobID, IsInternalCall: true}, &proc)
		if code != http.StatusOK || !proc.Success {
			t.Errorf("post-terminal nudge = %d %+v", code, proc)
		}
	})

	t.Run("artifact downloads for its owner", func(t *testing.T) {
		resp, data := env.get(t, "/artifacts/"+view.ArtifactKey, aliceToken)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("download = %d", resp.StatusCode)
		}
		if !bytes.HasPrefix(data, []byte("PK")) {
			t.Error("artifact is not a zip archive")
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
			t.Errorf("content type = %q", ct)
		}
		if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
			t.Errorf("content disposition = %q", cd)
		}
	})

	t.Run("artifact hidden from other owners", func(t *testing.T) {
		resp, _ := env.get(t, "/artifacts/"+view.ArtifactKey, bobToken)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("foreign download = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("job hidden from other owners", func(t *testing.T) {
		if code := env.do(t, "GET", "/jobs/"+created.JobID, bobToken, nil, nil); code != http.StatusNotFound {
			t.Errorf("foreign job get = %d, want 404", code)
		}
	})

	t.Run("job listing is scoped and filterable", func(t *testing.T) {
		var mine endpoints.ListJobsResponse
		env.do(t, "GET", "/jobs?type=export", aliceToken, nil, &mine)
		if len(mine.Jobs) != 1 || mine.Jobs[0].ID != created.JobID {
			t.Errorf("alice sees %d export jobs", len(mine.Jobs))
		}

		var othersView endpoints.ListJobsResponse
		env.do(t, "GET", "/jobs", bobToken, nil, &othersView)
		if len(othersView.Jobs) != 0 {
			t.Errorf("bob sees %d jobs, want 0", len(othersView.Jobs))
		}

		var filtered endpoints.ListJobsResponse
		env.do(t, "GET", "/jobs?status=pending", aliceToken, nil, &filtered)
		if len(filtered.Jobs) != 0 {
			t.Errorf("pending filter matched %d completed jobs", len(filtered.Jobs))
		}

		var internal endpoints.ListJobsResponse
		if code := env.doInternal(t, "GET", "/jobs?owner=alice", nil, &internal); code != http.StatusOK {
			t.Fatalf("internal list = %d", code)
		}
		if len(internal.Jobs) != 1 {
			t.Errorf("internal list sees %d jobs, want 1", len(internal.Jobs))
		}
	})
}

func TestExportValidation(t *testing.T) {
	env := newTestEnv(t, true)

	t.Run("missing book id", func(t *testing.T) {
		if code := env.do(t, "POST", "/export", aliceToken, endpoints.ExportRequest{}, nil); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("unknown book", func(t *testing.T) {
		if code := env.do(t, "POST", "/export", aliceToken, endpoints.ExportRequest{BookID: "nope"}, nil); code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", code)
		}
	})

	t.Run("foreign book reads as missing", func(t *testing.T) {
		book := env.seedBook(t, "bob", "Bob's Book", 1)
		if code := env.do(t, "POST", "/export", aliceToken, endpoints.ExportRequest{BookID: book.ID}, nil); code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", code)
		}
	})

	t.Run("empty book", func(t *testing.T) {
		book := env.seedBook(t, "alice", "Empty", 0)
		if code := env.do(t, "POST", "/export", aliceToken, endpoints.ExportRequest{BookID: book.ID}, nil); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("internal shape needs the service credential", func(t *testing.T) {
		code := env.do(t, "POST", "/export", aliceToken, endpoints.ExportRequest{JobID: "some-job", IsInternalCall: true}, nil)
		if code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", code)
		}
	})

	t.Run("internal shape needs a job id", func(t *testing.T) {
		code := env.doInternal(t, "POST", "/export", endpoints.ExportRequest{IsInternalCall: true}, nil)
		if code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("unknown job is a clean no-op", func(t *testing.T) {
		var proc endpoints.ExportProcessResponse
		code := env.doInternal(t, "POST", "/export", endpoints.ExportRequest{JobID: "ghost", IsInternalCall: true}, &proc)
		if code != http.StatusOK || !proc.Success {
			t.Errorf("ghost nudge = %d %+v", code, proc)
		}
	})
}

func TestGenerateEndToEnd(t *testing.T) {
	env := newTestEnv(t, true)
	book := env.seedBook(t, "alice", "Fresh Book", 0)

	var created endpoints.GenerateResponse
	code := env.do(t, "POST", "/generate", aliceToken, endpoints.GenerateRequest{
		BookID:  book.ID,
		Prompts: []string{"a dragon", "a castle"},
	}, &created)
	if code != http.StatusAccepted {
		t.Fatalf("generate create = %d, want 202", code)
	}
	if created.JobID == "" || created.PromptCount != 2 {
		t.Fatalf("generate response = %+v", created)
	}

	process := func(index int) endpoints.GenerateProcessResponse {
		var resp endpoints.GenerateProcessResponse
		code := env.doInternal(t, "POST", "/generate/process", endpoints.GenerateProcessRequest{
			JobID:       created.JobID,
			PromptIndex: index,
		}, &resp)
		if code != http.StatusOK {
			t.Fatalf("process %d = %d", index, code)
		}
		return resp
	}

	first := process(0)
	if !first.Success || !first.ImageGenerated {
		t.Fatalf("first unit = %+v", first)
	}
	if first.NextPromptIndex == nil || *first.NextPromptIndex != 1 {
		t.Fatalf("next after unit 0 = %v, want 1", first.NextPromptIndex)
	}

	t.Run("duplicate delivery does not double spend", func(t *testing.T) {
		dup := process(0)
		if !dup.Success {
			t.Fatalf("duplicate = %+v", dup)
		}
		if dup.ImageGenerated {
			t.Error("duplicate delivery generated a second image")
		}
		if dup.NextPromptIndex == nil || *dup.NextPromptIndex != 1 {
			t.Errorf("next after duplicate = %v, want 1", dup.NextPromptIndex)
		}
	})

	t.Run("delivery ahead of the job is dropped", func(t *testing.T) {
		ahead := process(5)
		if !ahead.Success || ahead.ImageGenerated {
			t.Errorf("ahead delivery = %+v", ahead)
		}
	})

	last := process(1)
	if !last.ImageGenerated {
		t.Fatalf("last unit = %+v", last)
	}
	if last.NextPromptIndex != nil {
		t.Errorf("next after final unit = %v, want null", *last.NextPromptIndex)
	}

	var view jobs.View
	env.do(t, "GET", "/jobs/"+created.JobID, aliceToken, nil, &view)
	if view.Status != jobs.StatusCompleted {
		t.Fatalf("job status = %s, want completed", view.Status)
	}
	if view.Progress.Processed != 2 || view.Progress.Failed != 0 {
		t.Errorf("progress = %+v", view.Progress)
	}

	t.Run("pages landed in the book", func(t *testing.T) {
		var pages endpoints.ListPagesResponse
		env.do(t, "GET", "/books/"+book.ID+"/pages", aliceToken, nil, &pages)
		if len(pages.Pages) != 2 {
			t.Fatalf("book has %d pages, want 2", len(pages.Pages))
		}
		if pages.Pages[0].Prompt != "a dragon" || pages.Pages[1].Prompt != "a castle" {
			t.Errorf("prompts = %q, %q", pages.Pages[0].Prompt, pages.Pages[1].Prompt)
		}
	})

	t.Run("usage reflects the provider calls", func(t *testing.T) {
		// Stop flushes the recorder's buffer synchronously, so the
		// summary below cannot race the background flusher.
		env.rec.Stop()

		var summary usage.Summary
		if code := env.do(t, "GET", "/usage/summary", aliceToken, nil, &summary); code != http.StatusOK {
			t.Fatalf("summary = %d", code)
		}
		if summary.Images != 2 {
			t.Errorf("images = %d, want 2", summary.Images)
		}
		if math.Abs(summary.CostUSD-0.02) > 1e-9 {
			t.Errorf("cost = %f, want 0.02", summary.CostUSD)
		}
		if summary.ByProvider["mock"].Images != 2 {
			t.Errorf("by provider = %+v", summary.ByProvider)
		}
	})

	t.Run("unknown job process is a clean no-op", func(t *testing.T) {
		var resp endpoints.GenerateProcessResponse
		code := env.doInternal(t, "POST", "/generate/process", endpoints.GenerateProcessRequest{
			JobID: "ghost", PromptIndex: 0,
		}, &resp)
		if code != http.StatusOK || !resp.Success {
			t.Errorf("ghost process = %d %+v", code, resp)
		}
		if resp.NextPromptIndex != nil {
			t.Errorf("ghost next = %v, want null", *resp.NextPromptIndex)
		}
	})
}

func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t, true)
	book := env.seedBook(t, "alice", "Book", 0)

	cases := []struct {
		name string
		req  endpoints.GenerateRequest
		want int
	}{
		{"missing book id", endpoints.GenerateRequest{Prompts: []string{"x"}}, http.StatusBadRequest},
		{"unknown book", endpoints.GenerateRequest{BookID: "nope", Prompts: []string{"x"}}, http.StatusNotFound},
		{"no prompts", endpoints.GenerateRequest{BookID: book.ID}, http.StatusBadRequest},
		{"blank prompt", endpoints.GenerateRequest{BookID: book.ID, Prompts: []string{"x", "   "}}, http.StatusBadRequest},
		{"unknown provider", endpoints.GenerateRequest{BookID: book.ID, Prompts: []string{"x"}, Provider: "dalle-9000"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := env.do(t, "POST", "/generate", aliceToken, tc.req, nil); code != tc.want {
				t.Errorf("status = %d, want %d", code, tc.want)
			}
		})
	}

	t.Run("too many prompts", func(t *testing.T) {
		prompts := make([]string, generate.MaxPrompts+1)
		for i := range prompts {
			prompts[i] = "p"
		}
		code := env.do(t, "POST", "/generate", aliceToken, endpoints.GenerateRequest{BookID: book.ID, Prompts: prompts}, nil)
		if code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("foreign book reads as missing", func(t *testing.T) {
		code := env.do(t, "POST", "/generate", bobToken, endpoints.GenerateRequest{BookID: book.ID, Prompts: []string{"x"}}, nil)
		if code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", code)
		}
	})

	t.Run("process shape needs the service credential", func(t *testing.T) {
		code := env.do(t, "POST", "/generate/process", aliceToken, endpoints.GenerateProcessRequest{JobID: "j", PromptIndex: 0}, nil)
		if code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", code)
		}
	})

	t.Run("process rejects a negative index", func(t *testing.T) {
		code := env.doInternal(t, "POST", "/generate/process", endpoints.GenerateProcessRequest{JobID: "j", PromptIndex: -1}, nil)
		if code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})
}

func TestUploadPageImage(t *testing.T) {
	env := newTestEnv(t, false)
	book := env.seedBook(t, "default", "Book", 1)

	pages, err := env.store.ListPages(t.Context(), book.ID)
	if err != nil || len(pages) != 1 {
		t.Fatalf("seeded pages: %v, %d", err, len(pages))
	}
	pageID := pages[0].ID
	if err := env.store.SetPageArtifact(t.Context(), pageID, "books/"+book.ID+"/pages/old.png"); err != nil {
		t.Fatal(err)
	}

	upload := func(t *testing.T, contentType string, body []byte) *http.Response {
		t.Helper()
		req, err := http.NewRequest("PUT", env.ts.URL+"/pages/"+pageID+"/image", bytes.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := env.ts.Client().Do(req)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("replaces the image", func(t *testing.T) {
		resp := upload(t, "image/jpeg", []byte("new-jpeg-bytes"))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("upload = %d", resp.StatusCode)
		}
		var page types.Page
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			t.Fatal(err)
		}
		if page.Format != "jpeg" {
			t.Errorf("format = %q, want jpeg", page.Format)
		}

		got, err := env.store.GetPage(t.Context(), pageID)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got.Data, []byte("new-jpeg-bytes")) {
			t.Error("stored data was not replaced")
		}
		if got.ArtifactKey != "" {
			t.Errorf("artifact key = %q, want cleared", got.ArtifactKey)
		}
	})

	t.Run("rejects unknown content types", func(t *testing.T) {
		if resp := upload(t, "text/plain", []byte("hi")); resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Errorf("status = %d, want 415", resp.StatusCode)
		}
	})

	t.Run("rejects an empty body", func(t *testing.T) {
		if resp := upload(t, "image/png", nil); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestUsageSummaryValidation(t *testing.T) {
	env := newTestEnv(t, true)

	t.Run("bad days parameter", func(t *testing.T) {
		if code := env.do(t, "GET", "/usage/summary?days=zero", aliceToken, nil, nil); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("internal callers must name an owner", func(t *testing.T) {
		if code := env.doInternal(t, "GET", "/usage/summary", nil, nil); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
		var summary usage.Summary
		if code := env.doInternal(t, "GET", "/usage/summary?owner=alice", nil, &summary); code != http.StatusOK {
			t.Errorf("status = %d, want 200", code)
		}
	})
}

func TestArtifactValidation(t *testing.T) {
	env := newTestEnv(t, true)

	t.Run("missing artifact", func(t *testing.T) {
		resp, _ := env.get(t, "/artifacts/exports/alice/missing.zip", aliceToken)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("keys outside the owner's prefix are hidden", func(t *testing.T) {
		if _, err := env.blobs.Put(t.Context(), "staging/exports/j1/page-0000-x.png", []byte("x")); err != nil {
			t.Fatal(err)
		}
		resp, _ := env.get(t, "/artifacts/staging/exports/j1/page-0000-x.png", aliceToken)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}
