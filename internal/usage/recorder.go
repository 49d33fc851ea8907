package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RecorderConfig configures the usage recorder.
type RecorderConfig struct {
	Writer        Writer
	BatchSize     int           // Flush after N records (default: 50)
	FlushInterval time.Duration // Or after duration (default: 5s)
	QueueSize     int           // Buffer size (default: 1000)
	Logger        *slog.Logger
}

// Recorder batches usage records and writes them in the background. Record is
// fire-and-forget: a full queue drops the record with a warning rather than
// stalling a generation worker.
type Recorder struct {
	writer Writer
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queue   chan Record
	flushCh chan struct{}

	batchMu sync.Mutex
	batch   []Record

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder creates a new usage recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Recorder{
		writer:        cfg.Writer,
		logger:        cfg.Logger.With("component", "usage"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan Record, cfg.QueueSize),
		flushCh:       make(chan struct{}, 1),
		batch:         make([]Record, 0, cfg.BatchSize),
	}
}

// Start begins processing records.
func (r *Recorder) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.run()
}

// Stop flushes remaining records and shuts the recorder down.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.queue)
		r.wg.Wait()
		r.cancel()
	})
}

// Record queues a usage record without blocking. Records sent after Stop or
// while the queue is full are dropped with a warning.
func (r *Recorder) Record(rec Record) {
	defer func() {
		if recover() != nil {
			r.logger.Warn("recorder stopped, dropping usage record", "provider", rec.Provider)
		}
	}()

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("usage queue full, dropping record", "provider", rec.Provider, "job_id", rec.JobID)
	}
}

// Flush forces an immediate write of the current batch.
func (r *Recorder) Flush() {
	select {
	case r.flushCh <- struct{}{}:
	default:
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				r.flushBatch()
				return
			}
			r.addToBatch(rec)

		case <-ticker.C:
			r.flushBatch()

		case <-r.flushCh:
			r.flushBatch()
		}
	}
}

func (r *Recorder) addToBatch(rec Record) {
	r.batchMu.Lock()
	r.batch = append(r.batch, rec)
	shouldFlush := len(r.batch) >= r.batchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flushBatch()
	}
}

func (r *Recorder) flushBatch() {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}
	records := r.batch
	r.batch = make([]Record, 0, r.batchSize)
	r.batchMu.Unlock()

	// Writes use a short independent context so a shutdown flush still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.writer.InsertUsageRecords(ctx, records); err != nil {
		r.logger.Error("failed to write usage records", "count", len(records), "error", err)
	}
}
