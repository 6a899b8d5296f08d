package extractor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cwygoda/harvester/internal/config"
	"github.com/cwygoda/harvester/internal/domain"
)

func TestNewCommand(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ExtractorConfig
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: config.ExtractorConfig{
				Name:    "test",
				Pattern: `^https?://example\.com/`,
				Command: "echo",
				Args:    []string{"{url}"},
			},
		},
		{
			name: "audio kind",
			cfg:  config.ExtractorConfig{Name: "radio", Pattern: ".*", Command: "echo", Kind: "audio"},
		},
		{
			name:    "invalid regex",
			cfg:     config.ExtractorConfig{Name: "bad", Pattern: `[invalid`, Command: "echo"},
			wantErr: true,
		},
		{
			name:    "missing command",
			cfg:     config.ExtractorConfig{Name: "bad", Pattern: ".*"},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			cfg:     config.ExtractorConfig{Name: "bad", Pattern: ".*", Command: "echo", Kind: "hologram"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCommand(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewCommand() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommand_Match(t *testing.T) {
	c, _ := NewCommand(config.ExtractorConfig{
		Name:    "youtube",
		Pattern: `^https?://(www\.)?(youtube\.com|youtu\.be)/`,
		Command: "yt-dlp",
	})

	tests := []struct {
		url  string
		want bool
	}{
		{"https://youtube.com/watch?v=abc123", true},
		{"https://www.youtube.com/watch?v=abc123", true},
		{"http://youtu.be/abc123", true},
		{"https://vimeo.com/123456", false},
		{"https://example.com/video", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := c.Match(tt.url); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestCommand_Fetch(t *testing.T) {
	c, err := NewCommand(config.ExtractorConfig{
		Name:    "test",
		Pattern: ".*",
		Command: "sh",
		Args:    []string{"-c", "echo {url} > out.mp4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	artifact, err := c.Fetch(context.Background(), domain.FetchRequest{
		URL:     "https://example.com/video",
		Variant: domain.SelectBest,
		Dir:     dir,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if artifact.Path != filepath.Join(dir, "out.mp4") {
		t.Errorf("Path = %q", artifact.Path)
	}
	if artifact.Filename != "out.mp4" {
		t.Errorf("Filename = %q, want %q", artifact.Filename, "out.mp4")
	}
	content, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatal(err)
	}
	// Note: echo adds newline
	if got := string(content); got != "https://example.com/video\n" {
		t.Errorf("URL placeholder not replaced: got %q", got)
	}
}

func TestCommand_DirPlaceholder(t *testing.T) {
	c, _ := NewCommand(config.ExtractorConfig{
		Name:    "test",
		Pattern: ".*",
		Command: "touch",
		Args:    []string{"{dir}/marker.mp3"},
		Kind:    "audio",
	})

	dir := t.TempDir()
	artifact, err := c.Fetch(context.Background(), domain.FetchRequest{URL: "https://example.com", Variant: domain.SelectBestAudio, Dir: dir})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if artifact.Kind != domain.KindAudio {
		t.Errorf("Kind = %q, want %q", artifact.Kind, domain.KindAudio)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker.mp3")); err != nil {
		t.Errorf("marker.mp3 not created: %v", err)
	}
}

func TestCommand_Failures(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		variant string
		want    domain.FailureKind
	}{
		{"command fails", []string{"-c", "echo boom >&2; exit 3"}, domain.SelectBest, domain.FailureTransientNetwork},
		{"no output file", []string{"-c", "true"}, domain.SelectBest, domain.FailureUnavailable},
		{"unknown variant", []string{"-c", "true"}, "22", domain.FailureNoMatchingVariant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := NewCommand(config.ExtractorConfig{Name: "test", Pattern: ".*", Command: "sh", Args: tt.args})
			_, err := c.Fetch(context.Background(), domain.FetchRequest{URL: "https://example.com", Variant: tt.variant, Dir: t.TempDir()})

			var failure *domain.ExtractionFailure
			if !errors.As(err, &failure) {
				t.Fatalf("Fetch() error = %v, want *ExtractionFailure", err)
			}
			if failure.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", failure.Kind, tt.want)
			}
		})
	}
}

func TestCommand_Resolve(t *testing.T) {
	c, _ := NewCommand(config.ExtractorConfig{Name: "radio", Pattern: ".*", Command: "true", Kind: "audio"})

	meta, err := c.Resolve(context.Background(), "https://radio.example.com/shows/episode-12")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if meta.Title != "episode-12" {
		t.Errorf("Title = %q, want %q", meta.Title, "episode-12")
	}
	if len(meta.Variants) != 1 || meta.Variants[0].Kind != domain.KindAudio {
		t.Errorf("Variants = %+v", meta.Variants)
	}
}
