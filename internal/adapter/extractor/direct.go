package extractor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
)

var mediaPathPattern = regexp.MustCompile(`(?i)\.(mp4|m4v|mov|mkv|webm|avi|mp3|m4a|aac|ogg|oga|opus|wav|flac)$`)

// directVariantID is the only variant a plain file URL offers.
const directVariantID = "source"

// Direct downloads plain media file URLs over HTTP.
type Direct struct {
	client *http.Client
}

// NewDirect creates a direct HTTP adapter. A nil client gets a default one.
func NewDirect(client *http.Client) *Direct {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &Direct{client: client}
}

// Name returns the adapter name.
func (d *Direct) Name() string {
	return "direct"
}

// Match returns true for http(s) URLs whose path ends in a media extension.
func (d *Direct) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	return mediaPathPattern.MatchString(u.Path)
}

// Resolve issues a HEAD request and describes the file as one variant.
func (d *Direct) Resolve(ctx context.Context, rawURL string) (*domain.Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, domain.Unavailable("invalid URL", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, domain.TransientNetwork("request failed", err)
	}
	resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	name, ext := fileName(rawURL)
	return &domain.Metadata{
		URL:      rawURL,
		Title:    name,
		Variants: []domain.Variant{directVariant(ext, resp.ContentLength)},
	}, nil
}

// Fetch streams the file into req.Dir.
func (d *Direct) Fetch(ctx context.Context, req domain.FetchRequest) (*domain.Artifact, error) {
	switch req.Variant {
	case directVariantID, domain.SelectBest, domain.SelectBestAudio, domain.SelectBestVideo:
	default:
		return nil, domain.NoMatchingVariant(req.Variant)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, domain.Unavailable("invalid URL", err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, domain.TransientNetwork("download failed", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	name, ext := fileName(req.URL)
	filename := displayName(name, ext)
	dst := filepath.Join(req.Dir, filename)

	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", dst, err)
	}
	size, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, domain.TransientNetwork("download interrupted", err)
	}

	return &domain.Artifact{
		Dir:      req.Dir,
		Path:     dst,
		Filename: filename,
		Size:     size,
		Kind:     kindForExt(ext),
		Variant:  directVariant(ext, size).Label,
		Title:    name,
	}, nil
}

func directVariant(ext string, size int64) domain.Variant {
	if size < 0 {
		size = 0
	}
	return domain.Variant{
		ID:         directVariantID,
		Label:      "original " + ext,
		Ext:        ext,
		ApproxSize: size,
		Kind:       kindForExt(ext),
	}
}

// checkStatus maps an HTTP status to a failure kind.
func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return domain.TransientNetwork(fmt.Sprintf("unexpected status code: %d", code), nil)
	default:
		return domain.Unavailable(fmt.Sprintf("unexpected status code: %d", code), nil)
	}
}

// fileName splits the last URL path segment into name and extension.
func fileName(rawURL string) (name, ext string) {
	base := "download"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "/" && b != "." {
			base = b
		}
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	ext = strings.TrimPrefix(path.Ext(base), ".")
	return strings.TrimSuffix(base, path.Ext(base)), strings.ToLower(ext)
}
