package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job persistence.
//
// Complete, Fail and Retry only apply while the job is still claimed under
// the given token and return ErrLeaseLost otherwise.
type JobRepository interface {
	Create(ctx context.Context, job *Job) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]Job, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	Claim(ctx context.Context, id int64, claim Claim) (*Job, error)
	Complete(ctx context.Context, id int64, token, handleID string, now time.Time) error
	Fail(ctx context.Context, id int64, token string, kind FailureKind, reason string, now time.Time) error
	Retry(ctx context.Context, id int64, token string, kind FailureKind, reason string, notBefore, now time.Time) error
	Cancel(ctx context.Context, id int64, now time.Time) (*Job, error)
	RecoverExpired(ctx context.Context, now time.Time, maxAttempts int) (requeued, failed int64, err error)
}

// DownloadRepository is the driven port for download history.
type DownloadRepository interface {
	RecordDownload(ctx context.Context, d *Download) error
	ListDownloads(ctx context.Context, limit int) ([]Download, error)
}

// Extractor is the driven port for the external media-extraction tool.
type Extractor interface {
	Resolve(ctx context.Context, url string) (*Metadata, error)
	Fetch(ctx context.Context, req FetchRequest) (*Artifact, error)
}

// PlaylistExpander turns a playlist URL into individual entries.
type PlaylistExpander interface {
	Expand(ctx context.Context, url string) (*Playlist, error)
}

// Playlist is an expanded playlist.
type Playlist struct {
	ID      string
	URL     string
	Entries []PlaylistEntry
}

// PlaylistEntry is one video of a playlist.
type PlaylistEntry struct {
	VideoID string
	Title   string
	URL     string
}

// Clock abstracts time for the scheduler.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
