package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
	"github.com/cwygoda/harvester/internal/registry"
)

// ErrStorageUnavailable stops the pool after too many consecutive
// storage failures.
var ErrStorageUnavailable = errors.New("job store unavailable")

// Options configures a Pool.
type Options struct {
	Workers      int
	PollInterval time.Duration
	FetchTimeout time.Duration
	// ScratchDir holds one temporary directory per attempt.
	ScratchDir string
	// StorageRetryBudget is how many times an outcome write is retried, and
	// how many consecutive failed polls are tolerated before Run gives up.
	StorageRetryBudget int
}

// Pool runs workers that claim due jobs and fetch them.
type Pool struct {
	svc       *domain.JobService
	extractor domain.Extractor
	handles   *registry.Registry
	opts      Options

	wakeup       chan struct{}
	fatal        chan error
	failures     atomic.Int32
	storageDelay time.Duration
}

// New creates a worker pool.
func New(svc *domain.JobService, extractor domain.Extractor, handles *registry.Registry, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Minute
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Pool{
		svc:          svc,
		extractor:    extractor,
		handles:      handles,
		opts:         opts,
		wakeup:       make(chan struct{}, opts.Workers),
		fatal:        make(chan error, 1),
		storageDelay: 200 * time.Millisecond,
	}
}

// Notify wakes an idle worker so a due job is picked up before the next
// poll. It never blocks.
func (p *Pool) Notify() {
	select {
	case p.wakeup <- struct{}{}:
	default:
	}
}

// Run starts the workers and the lease reaper and blocks until ctx is
// cancelled or the job store stays unavailable beyond the retry budget.
func (p *Pool) Run(ctx context.Context) error {
	if err := os.MkdirAll(p.opts.ScratchDir, 0755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Printf("worker pool started: %d worker(s), polling every %s", p.opts.Workers, p.opts.PollInterval)
	p.recoverExpired(ctx)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.work(ctx, name)
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-p.fatal:
		log.Printf("worker pool stopping: %v", err)
		cancel()
	}
	wg.Wait()
	log.Println("worker pool shut down")
	return err
}

func (p *Pool) work(ctx context.Context, name string) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wakeup:
		}
		for ctx.Err() == nil && p.runOnce(ctx, name) {
		}
	}
}

// runOnce claims and processes at most one job. It reports whether a job
// was processed.
func (p *Pool) runOnce(ctx context.Context, name string) bool {
	job, err := p.svc.ClaimNext(ctx)
	if err != nil {
		p.storageFailed(ctx, "claim", err)
		return false
	}
	p.failures.Store(0)
	if job == nil {
		return false
	}

	log.Printf("job %d: claimed by %s (attempt %d)", job.ID, name, job.Attempts)
	p.process(ctx, job)
	return true
}

func (p *Pool) process(ctx context.Context, job *domain.Job) {
	dir, err := os.MkdirTemp(p.opts.ScratchDir, fmt.Sprintf("job-%d-", job.ID))
	if err != nil {
		p.fail(ctx, job, fmt.Errorf("create scratch dir: %w", err))
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	artifact, err := p.extractor.Fetch(fetchCtx, domain.FetchRequest{
		URL:     job.URL,
		Variant: job.Variant,
		Dir:     dir,
	})
	cancel()

	if ctx.Err() != nil {
		// The claim is left to expire; recovery puts the job back.
		os.RemoveAll(dir)
		log.Printf("job %d: interrupted by shutdown", job.ID)
		return
	}
	if err != nil {
		os.RemoveAll(dir)
		p.fail(ctx, job, err)
		return
	}
	if artifact.Dir == "" {
		artifact.Dir = dir
	}

	p.complete(ctx, job, artifact)
}

func (p *Pool) complete(ctx context.Context, job *domain.Job, artifact *domain.Artifact) {
	handleID := p.bind(job, artifact)

	err := p.withStorageRetry(ctx, func() error {
		return p.svc.Complete(ctx, job, handleID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			log.Printf("job %d: lease lost, discarding %s", job.ID, artifact.Filename)
		} else {
			log.Printf("job %d: complete failed: %v", job.ID, err)
			p.storageFailed(ctx, "complete", err)
		}
		p.handles.Unbind(handleID, artifact)
		discard(job.ID, artifact)
		return
	}

	if err := p.svc.RecordDownload(ctx, job, artifact); err != nil {
		log.Printf("job %d: record download: %v", job.ID, err)
	}
	log.Printf("job %d: completed, %s (%d bytes) ready as %s", job.ID, artifact.Filename, artifact.Size, handleID)
}

// bind attaches the artifact to the job's handle, or to a fresh one when the
// job has none or its handle expired or already holds another file.
func (p *Pool) bind(job *domain.Job, artifact *domain.Artifact) string {
	title := artifact.Title
	if title == "" {
		title = job.Title
	}
	handleID := p.handles.Bind(job.HandleID, domain.Metadata{
		URL:     job.URL,
		Source:  job.Source,
		VideoID: job.VideoID,
		Title:   title,
	}, artifact)
	if job.HandleID != "" && handleID != job.HandleID {
		log.Printf("job %d: handle %s expired or already used, bound to %s", job.ID, job.HandleID, handleID)
	}
	return handleID
}

func (p *Pool) fail(ctx context.Context, job *domain.Job, cause error) {
	var state domain.JobState
	err := p.withStorageRetry(ctx, func() error {
		var err error
		state, err = p.svc.HandleFailure(ctx, job, cause)
		return err
	})

	switch {
	case errors.Is(err, domain.ErrLeaseLost):
		log.Printf("job %d: lease lost before recording failure: %v", job.ID, cause)
	case err != nil:
		log.Printf("job %d: recording failure: %v", job.ID, err)
		p.storageFailed(ctx, "fail", err)
	default:
		log.Printf("job %d: attempt %d failed (%v), now %s", job.ID, job.Attempts, cause, state)
	}
}

// withStorageRetry retries fn with linear backoff while it reports a
// storage error.
func (p *Pool) withStorageRetry(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !domain.IsStorageError(err) || attempt > p.opts.StorageRetryBudget {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * p.storageDelay):
		}
	}
}

// storageFailed counts a consecutive storage failure and stops the pool
// once the budget is exceeded.
func (p *Pool) storageFailed(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	n := int(p.failures.Add(1))
	log.Printf("storage error during %s (%d/%d): %v", op, n, p.opts.StorageRetryBudget, err)
	if n > p.opts.StorageRetryBudget {
		select {
		case p.fatal <- fmt.Errorf("%w: %v", ErrStorageUnavailable, err):
		default:
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	interval := p.svc.Lease() / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverExpired(ctx)
		}
	}
}

func (p *Pool) recoverExpired(ctx context.Context) {
	requeued, failed, err := p.svc.RecoverExpired(ctx)
	if err != nil {
		p.storageFailed(ctx, "recover", err)
		return
	}
	if requeued > 0 || failed > 0 {
		log.Printf("recovered expired leases: %d requeued, %d failed", requeued, failed)
	}
	if requeued > 0 {
		p.Notify()
	}
}

func discard(jobID int64, artifact *domain.Artifact) {
	if err := registry.Discard(artifact); err != nil {
		log.Printf("job %d: discard: %v", jobID, err)
	}
}
