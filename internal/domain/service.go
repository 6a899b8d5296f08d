package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// claimBatch is how many due jobs ClaimNext looks at per attempt.
const claimBatch = 8

// DefaultLease bounds how long a claim is honoured without an outcome.
const DefaultLease = 30 * time.Minute

// JobService orchestrates job operations and owns the job state machine.
type JobService struct {
	repo    JobRepository
	history DownloadRepository
	clock   Clock
	policy  RetryPolicy
	lease   time.Duration
	wake    func()
}

// Option configures a JobService.
type Option func(*JobService)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option { return func(s *JobService) { s.clock = c } }

// WithRetryPolicy sets the retry/backoff policy.
func WithRetryPolicy(p RetryPolicy) Option { return func(s *JobService) { s.policy = p } }

// WithLease sets the claim lease duration.
func WithLease(d time.Duration) Option { return func(s *JobService) { s.lease = d } }

// WithHistory enables download history recording.
func WithHistory(h DownloadRepository) Option { return func(s *JobService) { s.history = h } }

// WithWakeup registers a callback invoked when a job is scheduled already due.
func WithWakeup(fn func()) Option { return func(s *JobService) { s.wake = fn } }

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository, opts ...Option) *JobService {
	s := &JobService{
		repo:   repo,
		clock:  SystemClock{},
		policy: DefaultRetryPolicy,
		lease:  DefaultLease,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the retry policy in effect.
func (s *JobService) Policy() RetryPolicy { return s.policy }

// Lease returns the claim lease duration.
func (s *JobService) Lease() time.Duration { return s.lease }

// Now returns the service clock's current time.
func (s *JobService) Now() time.Time { return s.clock.Now() }

// ScheduleRequest is the input of Schedule.
type ScheduleRequest struct {
	URL     string
	Source  string
	Variant string
	// NotBefore zero means "as soon as possible".
	NotBefore time.Time
	Title     string
	VideoID   string
	HandleID  string
}

// Schedule validates the request and creates a pending job.
func (s *JobService) Schedule(ctx context.Context, req ScheduleRequest) (*Job, error) {
	if err := ValidateTargetURL(req.URL); err != nil {
		return nil, err
	}
	variant := strings.TrimSpace(req.Variant)
	if variant == "" {
		return nil, &ValidationError{Field: "variant", Reason: "is required"}
	}

	source := DetectSource(req.URL)
	if req.Source != "" && req.Source != "auto" {
		src, ok := ParseSource(req.Source)
		if !ok {
			return nil, &ValidationError{Field: "source", Reason: "unsupported source " + req.Source}
		}
		source = src
	}

	now := s.clock.Now()
	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	} else if notBefore.Before(now) {
		return nil, &ValidationError{Field: "not_before", Reason: "must not be in the past"}
	}

	videoID := req.VideoID
	if videoID == "" {
		videoID = ExtractVideoID(req.URL, source)
	}

	job, err := s.repo.Create(ctx, &Job{
		URL:       req.URL,
		Source:    source,
		VideoID:   videoID,
		Title:     req.Title,
		Variant:   variant,
		NotBefore: notBefore,
		State:     StatePending,
		HandleID:  req.HandleID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	if s.wake != nil && !job.NotBefore.After(now) {
		s.wake()
	}
	return job, nil
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id int64) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns jobs matching the filter, newest first.
func (s *JobService) List(ctx context.Context, filter JobFilter) ([]Job, error) {
	return s.repo.List(ctx, filter)
}

// Cancel moves a pending job to cancelled. Claimed jobs are not interrupted
// and return ErrNotCancellable; their outcome still applies.
func (s *JobService) Cancel(ctx context.Context, id int64) (*Job, error) {
	return s.repo.Cancel(ctx, id, s.clock.Now())
}

// ClaimNext claims one due job, or returns nil when there is none.
func (s *JobService) ClaimNext(ctx context.Context) (*Job, error) {
	now := s.clock.Now()
	due, err := s.repo.FindDue(ctx, now, claimBatch)
	if err != nil {
		return nil, err
	}

	for _, candidate := range due {
		job, err := s.repo.Claim(ctx, candidate.ID, Claim{
			Token:      uuid.NewString(),
			Now:        now,
			LeaseUntil: now.Add(s.lease),
		})
		if errors.Is(err, ErrClaimConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

// Complete records a successful attempt.
func (s *JobService) Complete(ctx context.Context, job *Job, handleID string) error {
	return s.repo.Complete(ctx, job.ID, job.ClaimToken, handleID, s.clock.Now())
}

// HandleFailure classifies a failed attempt and applies the matching
// transition: back to pending with backoff, or failed. It returns the state
// the job was moved to.
func (s *JobService) HandleFailure(ctx context.Context, job *Job, cause error) (JobState, error) {
	kind, reason := ClassifyFailure(cause)
	now := s.clock.Now()

	if kind.Retryable() && job.CanRetry(s.policy.MaxAttempts) {
		next := now.Add(s.policy.Delay(job.Attempts))
		if err := s.repo.Retry(ctx, job.ID, job.ClaimToken, kind, reason, next, now); err != nil {
			return job.State, err
		}
		return StatePending, nil
	}

	if err := s.repo.Fail(ctx, job.ID, job.ClaimToken, kind, reason, now); err != nil {
		return job.State, err
	}
	return StateFailed, nil
}

// RecoverExpired releases claims whose lease has run out.
func (s *JobService) RecoverExpired(ctx context.Context) (requeued, failed int64, err error) {
	return s.repo.RecoverExpired(ctx, s.clock.Now(), s.policy.MaxAttempts)
}

// RecordDownload appends a history record. No-op without a history store.
func (s *JobService) RecordDownload(ctx context.Context, job *Job, artifact *Artifact) error {
	if s.history == nil {
		return nil
	}
	title := artifact.Title
	if title == "" {
		title = job.Title
	}
	return s.history.RecordDownload(ctx, &Download{
		JobID:        job.ID,
		VideoID:      job.VideoID,
		Title:        title,
		URL:          job.URL,
		Source:       job.Source,
		Variant:      artifact.Variant,
		Kind:         artifact.Kind,
		SizeBytes:    artifact.Size,
		DownloadedAt: s.clock.Now(),
	})
}

// Downloads lists the download history, newest first.
func (s *JobService) Downloads(ctx context.Context, limit int) ([]Download, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListDownloads(ctx, limit)
}
