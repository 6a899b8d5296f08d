package extractor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/cwygoda/harvester/internal/domain"
)

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/media/clip.mp4", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte("video"))
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ".mp3") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("audio"))
	})
	mux.HandleFunc("/media/gone.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	})
	mux.HandleFunc("/media/busy.mp4", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDirect_Match(t *testing.T) {
	d := NewDirect(nil)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://cdn.example.com/a/b/clip.mp4", true},
		{"http://example.com/song.MP3?token=x", true},
		{"https://example.com/podcast.m4a", true},
		{"https://www.youtube.com/watch?v=abc", false},
		{"https://example.com/page.html", false},
		{"ftp://example.com/clip.mp4", false},
		{"clip.mp4", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := d.Match(tt.url); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestDirect_Resolve(t *testing.T) {
	srv := newMediaServer(t)
	d := NewDirect(srv.Client())

	meta, err := d.Resolve(context.Background(), srv.URL+"/media/clip.mp4")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if meta.Title != "clip" {
		t.Errorf("Title = %q, want %q", meta.Title, "clip")
	}
	if len(meta.Variants) != 1 {
		t.Fatalf("got %d variants, want 1", len(meta.Variants))
	}
	v := meta.Variants[0]
	if v.ID != directVariantID || v.Kind != domain.KindAudioVideo || v.ApproxSize != 5 {
		t.Errorf("variant = %+v", v)
	}
}

func TestDirect_Fetch(t *testing.T) {
	srv := newMediaServer(t)
	d := NewDirect(srv.Client())
	dir := t.TempDir()

	artifact, err := d.Fetch(context.Background(), domain.FetchRequest{
		URL:     srv.URL + "/media/song%20one.mp3",
		Variant: domain.SelectBestAudio,
		Dir:     dir,
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if artifact.Filename != "song one.mp3" {
		t.Errorf("Filename = %q, want %q", artifact.Filename, "song one.mp3")
	}
	if artifact.Kind != domain.KindAudio {
		t.Errorf("Kind = %q, want %q", artifact.Kind, domain.KindAudio)
	}
	if artifact.Size != 5 || artifact.Dir != dir {
		t.Errorf("artifact = %+v", artifact)
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "audio" {
		t.Errorf("content = %q, want %q", data, "audio")
	}
}

func TestDirect_Failures(t *testing.T) {
	srv := newMediaServer(t)
	d := NewDirect(srv.Client())

	tests := []struct {
		name    string
		url     string
		variant string
		want    domain.FailureKind
	}{
		{"gone", srv.URL + "/media/gone.mp4", domain.SelectBest, domain.FailureUnavailable},
		{"not found", srv.URL + "/media/missing.mp4", domain.SelectBest, domain.FailureUnavailable},
		{"server busy", srv.URL + "/media/busy.mp4", domain.SelectBest, domain.FailureTransientNetwork},
		{"unknown variant", srv.URL + "/media/clip.mp4", "137", domain.FailureNoMatchingVariant},
		{"connection refused", "http://127.0.0.1:1/clip.mp4", domain.SelectBest, domain.FailureTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Fetch(context.Background(), domain.FetchRequest{URL: tt.url, Variant: tt.variant, Dir: t.TempDir()})
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
