package extractor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
)

const sampleInfo = `{
  "id": "dQw4w9WgXcQ",
  "title": "Never Gonna Give You Up",
  "uploader": "Rick Astley",
  "duration": 212,
  "thumbnail": "https://i.ytimg.com/vi/dQw4w9WgXcQ/maxresdefault.jpg",
  "webpage_url": "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
  "formats": [
    {"format_id": "sb0", "ext": "mhtml", "acodec": "none", "vcodec": "none"},
    {"format_id": "140", "ext": "m4a", "acodec": "mp4a.40.2", "vcodec": "none", "abr": 129.1, "filesize": 3433514},
    {"format_id": "251", "ext": "webm", "acodec": "opus", "vcodec": "none", "abr": 135.1, "filesize_approx": 3500000},
    {"format_id": "137", "ext": "mp4", "acodec": "none", "vcodec": "avc1.640028", "height": 1080},
    {"format_id": "18", "ext": "mp4", "acodec": "mp4a.40.2", "vcodec": "avc1.42001E", "height": 360, "filesize": 12000000},
    {"format_id": "22", "ext": "mp4", "acodec": "mp4a.40.2", "vcodec": "avc1.64001F", "height": 720, "format_note": "720p"}
  ]
}`

func TestParseInfo(t *testing.T) {
	meta, err := parseInfo([]byte(sampleInfo))
	if err != nil {
		t.Fatalf("parseInfo() error = %v", err)
	}

	if meta.Title != "Never Gonna Give You Up" {
		t.Errorf("Title = %q", meta.Title)
	}
	if meta.Author != "Rick Astley" {
		t.Errorf("Author = %q", meta.Author)
	}
	if meta.Duration != 212*time.Second {
		t.Errorf("Duration = %v, want 212s", meta.Duration)
	}
	if meta.VideoID != "dQw4w9WgXcQ" {
		t.Errorf("VideoID = %q", meta.VideoID)
	}

	// storyboard and video-only formats are dropped
	wantIDs := []string{"140", "251", "18", "22"}
	if len(meta.Variants) != len(wantIDs) {
		t.Fatalf("got %d variants, want %d: %+v", len(meta.Variants), len(wantIDs), meta.Variants)
	}
	for i, id := range wantIDs {
		if meta.Variants[i].ID != id {
			t.Errorf("Variants[%d].ID = %q, want %q", i, meta.Variants[i].ID, id)
		}
	}

	audio := meta.Variants[0]
	if audio.Kind != domain.KindAudio || audio.ApproxSize != 3433514 || audio.Label != "129kbps m4a" {
		t.Errorf("audio variant = %+v", audio)
	}
	if approx := meta.Variants[1]; approx.ApproxSize != 3500000 {
		t.Errorf("filesize_approx not used: %+v", approx)
	}
	video := meta.Variants[3]
	if video.Kind != domain.KindAudioVideo || video.Height != 720 || video.Label != "720p mp4" {
		t.Errorf("video variant = %+v", video)
	}

	best, _ := domain.SelectVariant(meta.Variants, domain.SelectBest)
	if best.ID != "22" {
		t.Errorf("best = %q, want 22", best.ID)
	}
	bestAudio, _ := domain.SelectVariant(meta.Variants, domain.SelectBestAudio)
	if bestAudio.ID != "251" {
		t.Errorf("best_audio = %q, want 251", bestAudio.ID)
	}
}

func TestParseInfo_SingleFormat(t *testing.T) {
	meta, err := parseInfo([]byte(`{"id": "x", "title": "clip", "format_id": "mp4", "ext": "mp4", "height": 480}`))
	if err != nil {
		t.Fatalf("parseInfo() error = %v", err)
	}
	if len(meta.Variants) != 1 || meta.Variants[0].ID != "mp4" {
		t.Errorf("Variants = %+v, want the top-level format", meta.Variants)
	}
}

func TestParseInfo_Invalid(t *testing.T) {
	if _, err := parseInfo([]byte("not json")); err == nil {
		t.Error("parseInfo() error = nil, want error")
	}
}

func TestClassifyStderr(t *testing.T) {
	exit := errors.New("exit status 1")

	tests := []struct {
		name   string
		stderr string
		err    error
		want   domain.FailureKind
	}{
		{"removed", "ERROR: [youtube] abc: Video unavailable. This video has been removed", exit, domain.FailureUnavailable},
		{"private", "ERROR: [youtube] abc: Private video. Sign in if you've been granted access", exit, domain.FailureUnavailable},
		{"unsupported", "ERROR: Unsupported URL: https://example.com/", exit, domain.FailureUnavailable},
		{"404", "ERROR: Unable to download webpage: HTTP Error 404: Not Found", exit, domain.FailureUnavailable},
		{"stale format", "ERROR: [youtube] abc: Requested format is not available", exit, domain.FailureNoMatchingVariant},
		{"reset", "ERROR: Unable to download webpage: <urlopen error [Errno 104] Connection reset by peer>", exit, domain.FailureTransientNetwork},
		{"http 503", "ERROR: unable to download video data: HTTP Error 503: Service Unavailable", exit, domain.FailureTransientNetwork},
		{"binary missing", "", errors.New("executable file not found in $PATH"), domain.FailureTransientNetwork},
		{"deadline", "", context.DeadlineExceeded, domain.FailureTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyStderr(tt.stderr, tt.err)
			var failure *domain.ExtractionFailure
			if !errors.As(err, &failure) {
				t.Fatalf("classifyStderr() = %T, want *ExtractionFailure", err)
			}
			if failure.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", failure.Kind, tt.want)
			}
			if failure.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestClassifyRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classifyRun(ctx, nil, errors.New("signal: killed"))
	kind, _ := domain.ClassifyFailure(err)
	if kind != domain.FailureTransientNetwork {
		t.Errorf("kind = %q, want %q", kind, domain.FailureTransientNetwork)
	}
}

func TestLastErrorLine(t *testing.T) {
	stderr := "WARNING: something\nERROR: first\nERROR: second\n"
	if got := lastErrorLine(stderr); got != "second" {
		t.Errorf("lastErrorLine() = %q, want %q", got, "second")
	}
	if got := lastErrorLine("plain failure"); got != "plain failure" {
		t.Errorf("lastErrorLine() = %q, want %q", got, "plain failure")
	}
}

func TestYtDlp_Match(t *testing.T) {
	y := NewYtDlp()

	tests := []struct {
		url  string
		want bool
	}{
		{"https://www.youtube.com/watch?v=abc123", true},
		{"http://vimeo.com/123456", true},
		{"https://example.com/video", true},
		{"youtube.com/watch?v=abc", false},
		{"ftp://example.com/a.mp4", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := y.Match(tt.url); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}
