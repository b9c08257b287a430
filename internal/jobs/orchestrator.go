package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mindbook/mindbook-go/internal/ingestion"
)

const (
	// DefaultMaxAttempts is the per-job attempt budget. Override via
	// JOBS_MAX_ATTEMPTS or the orchestrator option.
	DefaultMaxAttempts = 4
	// DefaultBaseDelay is the initial retry backoff, doubling per attempt.
	DefaultBaseDelay = 2 * time.Second
)

// ErrCancelled marks a job that was cancelled before completing.
var ErrCancelled = errors.New("jobs: cancelled")

// Handler executes one job attempt. Handlers must be idempotent: delivery is
// at-least-once, and a job interrupted by a crash is re-executed on restart.
type Handler func(ctx context.Context, job *Job) error

// IngestPayload is the JSON payload of an ingest job.
type IngestPayload struct {
	// DocumentID is the document to (re-)ingest.
	DocumentID string `json:"document_id"`
}

// AgentTurnPayload is the JSON payload of an agent turn job.
type AgentTurnPayload struct {
	// ProjectID is the workspace the turn runs in.
	ProjectID string `json:"project_id"`
	// ConversationID groups the turn into a conversation thread.
	ConversationID string `json:"conversation_id"`
	// Question is the user's message.
	Question string `json:"question"`
	// Supervised selects the supervisor instead of the simple agent.
	Supervised bool `json:"supervised,omitempty"`
}

// Orchestrator executes persisted jobs on a bounded worker pool with
// exponential-backoff retry. Ingest jobs for the same document are serialized:
// a second submission queues behind the running one and never executes
// concurrently with it.
type Orchestrator struct {
	store       *Store
	pool        *ants.Pool
	handlers    map[Kind]Handler
	maxAttempts int
	baseDelay   time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	docLocks map[string]*docLock

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithWorkers sets the worker pool size. Default is runtime.NumCPU(), with a
// minimum of 1.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			n = 1
		}
		if o.pool != nil {
			o.pool.Release()
		}
		pool, err := ants.NewPool(n)
		if err != nil {
			return fmt.Errorf("jobs: create pool: %w", err)
		}
		o.pool = pool
		return nil
	}
}

// WithMaxAttempts sets the per-job attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) error {
		if n < 1 {
			return fmt.Errorf("jobs: max attempts must be positive, got %d", n)
		}
		o.maxAttempts = n
		return nil
	}
}

// WithBaseDelay sets the initial retry backoff. The delay doubles on each
// subsequent retry.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) error {
		if d <= 0 {
			return fmt.Errorf("jobs: base delay must be positive, got %v", d)
		}
		o.baseDelay = d
		return nil
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) error {
		if log == nil {
			log = slog.Default()
		}
		o.log = log
		return nil
	}
}

// New constructs an Orchestrator over the given job store.
func New(store *Store, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:       store,
		handlers:    make(map[Kind]Handler),
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		log:         slog.Default(),
		cancels:     make(map[string]context.CancelFunc),
		docLocks:    make(map[string]*docLock),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			if o.pool != nil {
				o.pool.Release()
			}
			return nil, err
		}
	}
	if o.pool == nil {
		pool, err := ants.NewPool(runtime.NumCPU())
		if err != nil {
			return nil, fmt.Errorf("jobs: create pool: %w", err)
		}
		o.pool = pool
	}
	return o, nil
}

// Register binds a handler to a job kind. Must be called before Enqueue or
// Resume submit jobs of that kind.
func (o *Orchestrator) Register(kind Kind, h Handler) {
	o.handlers[kind] = h
}

// Enqueue persists a job and submits it to the worker pool. When
// idempotencyKey is non-empty and a job with the same key exists, that job's
// ID is returned and nothing new is submitted.
func (o *Orchestrator) Enqueue(ctx context.Context, kind Kind, payload, idempotencyKey string) (string, error) {
	if _, ok := o.handlers[kind]; !ok {
		return "", fmt.Errorf("jobs: no handler registered for kind %q", kind)
	}

	job, created, err := o.store.Create(ctx, kind, payload, idempotencyKey)
	if err != nil {
		return "", err
	}
	if !created {
		o.log.Info("job submission collapsed by idempotency key",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)),
		)
		return job.ID, nil
	}

	if err := o.submit(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Status returns the current persisted state of a job.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Job, error) {
	return o.store.Get(ctx, id)
}

// Cancel requests cooperative cancellation of a job. A running job stops at
// its next stage boundary; writes already in progress complete first.
// Cancelling a terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	o.mu.Lock()
	cancel, ok := o.cancels[id]
	o.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	// Not tracked in this process (e.g. persisted by a previous run and not
	// yet resumed) — fail it directly.
	return o.store.update(ctx, id, StateFailed, job.Attempts, ErrCancelled.Error())
}

// Resume re-submits all non-terminal jobs found in the store. Call once at
// startup, after all handlers are registered.
func (o *Orchestrator) Resume(ctx context.Context) error {
	pending, err := o.store.Pending(ctx)
	if err != nil {
		return err
	}
	for i := range pending {
		job := pending[i]
		if _, ok := o.handlers[job.Kind]; !ok {
			o.log.Warn("skipping persisted job with no handler",
				slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))
			continue
		}
		if err := o.submit(&job); err != nil {
			return err
		}
		o.log.Info("resumed persisted job",
			slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))
	}
	return nil
}

// Shutdown stops accepting work and waits for in-flight jobs to finish, up
// to the context deadline. Jobs still queued remain persisted and run on the
// next Resume.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.pool.Release()
		return fmt.Errorf("jobs: shutdown: %w", ctx.Err())
	}
	o.pool.Release()
	return nil
}

// submit hands a job to the worker pool under a per-job cancellable context.
func (o *Orchestrator) submit(job *Job) error {
	jobCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	err := o.pool.Submit(func() {
		defer o.wg.Done()
		defer o.release(job.ID)
		o.run(jobCtx, job)
	})
	if err != nil {
		o.wg.Done()
		o.release(job.ID)
		return fmt.Errorf("jobs: submit %s: %w", job.ID, err)
	}
	return nil
}

// release drops the cancel registration for a finished job.
func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
		delete(o.cancels, id)
	}
	o.mu.Unlock()
}

// run executes a job's attempt loop. Ingest jobs take the document lock for
// the duration, so concurrent submissions for one document run serially (the
// waiting worker occupies its pool slot, which is acceptable at the pool
// sizes used here).
func (o *Orchestrator) run(ctx context.Context, job *Job) {
	if key := serializationKey(job); key != "" {
		unlock := o.lockDoc(key)
		defer unlock()
	}

	handler := o.handlers[job.Kind]
	log := o.log.With(slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))

	// A resumed job may already have spent its budget.
	if job.Attempts >= o.maxAttempts {
		o.fail(job, job.Attempts, errors.New("jobs: attempt budget exhausted"), log)
		return
	}

	for attempt := job.Attempts + 1; attempt <= o.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			o.fail(job, attempt-1, ErrCancelled, log)
			return
		}
		if err := o.store.update(ctx, job.ID, StateRunning, attempt, job.LastError); err != nil {
			log.Error("failed to mark job running", slog.Any("error", err))
			return
		}
		log.Info("job attempt started", slog.Int("attempt", attempt))

		err := handler(ctx, job)
		if err == nil {
			if uerr := o.store.update(context.WithoutCancel(ctx), job.ID, StateSucceeded, attempt, ""); uerr != nil {
				log.Error("failed to mark job succeeded", slog.Any("error", uerr))
				return
			}
			log.Info("job completed", slog.Int("attempt", attempt))
			return
		}

		log.Warn("job attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))

		// Fatal errors and cancellation never retry.
		if ingestion.IsFatal(err) || ctx.Err() != nil || attempt == o.maxAttempts {
			if ctx.Err() != nil {
				err = ErrCancelled
			}
			o.fail(job, attempt, err, log)
			return
		}

		if uerr := o.store.update(ctx, job.ID, StateRetrying, attempt, err.Error()); uerr != nil {
			log.Error("failed to mark job retrying", slog.Any("error", uerr))
			return
		}
		job.LastError = err.Error()

		// Exponential backoff: baseDelay * 2^(attempt-1), context-aware.
		delay := o.baseDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.fail(job, attempt, ErrCancelled, log)
			return
		case <-timer.C:
		}
		if uerr := o.store.update(ctx, job.ID, StateQueued, attempt, job.LastError); uerr != nil {
			log.Error("failed to requeue job", slog.Any("error", uerr))
			return
		}
	}
}

// fail marks a job terminally failed.
func (o *Orchestrator) fail(job *Job, attempts int, cause error, log *slog.Logger) {
	if err := o.store.update(context.Background(), job.ID, StateFailed, attempts, cause.Error()); err != nil {
		log.Error("failed to mark job failed", slog.Any("error", err))
		return
	}
	log.Warn("job failed", slog.Int("attempts", attempts), slog.Any("error", cause))
}

// docLock is a serialization mutex plus the count of workers holding or
// waiting on it. The entry is dropped from the map once the count hits zero,
// so the map only ever holds keys with active ingest work.
type docLock struct {
	mu      sync.Mutex
	holders int
}

// lockDoc acquires the serialization lock for a document key and returns the
// matching unlock func.
func (o *Orchestrator) lockDoc(key string) func() {
	o.mu.Lock()
	l, ok := o.docLocks[key]
	if !ok {
		l = &docLock{}
		o.docLocks[key] = l
	}
	l.holders++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.holders--
		if l.holders == 0 {
			delete(o.docLocks, key)
		}
		o.mu.Unlock()
	}
}

// serializationKey returns the per-document key for ingest jobs, or "" when
// the job has no serialization constraint.
func serializationKey(job *Job) string {
	if job.Kind != KindIngest {
		return ""
	}
	var p IngestPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return ""
	}
	return p.DocumentID
}
