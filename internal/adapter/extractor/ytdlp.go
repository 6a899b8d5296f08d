package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/cwygoda/harvester/internal/domain"
	"github.com/lrstanley/go-ytdlp"
)

// YtDlp resolves and fetches media through the yt-dlp binary.
type YtDlp struct {
	progressEvery time.Duration
}

// NewYtDlp creates a yt-dlp backed adapter.
func NewYtDlp() *YtDlp {
	return &YtDlp{progressEvery: 10 * time.Second}
}

// Name returns the adapter name.
func (y *YtDlp) Name() string {
	return "yt-dlp"
}

// Match accepts any absolute http(s) URL; yt-dlp has a generic extractor.
func (y *YtDlp) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Resolve dumps the metadata of a single video without downloading it.
func (y *YtDlp) Resolve(ctx context.Context, rawURL string) (*domain.Metadata, error) {
	result, err := ytdlp.New().
		DumpSingleJSON().
		SkipDownload().
		NoPlaylist().
		NoWarnings().
		Run(ctx, rawURL)
	if err != nil {
		return nil, classifyRun(ctx, result, err)
	}

	meta, err := parseInfo([]byte(result.Stdout))
	if err != nil {
		return nil, domain.TransientNetwork("unreadable yt-dlp output", err)
	}
	return meta, nil
}

// Fetch resolves the selector against fresh metadata and downloads the
// chosen format into req.Dir.
func (y *YtDlp) Fetch(ctx context.Context, req domain.FetchRequest) (*domain.Artifact, error) {
	meta, err := y.Resolve(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	variant, ok := domain.SelectVariant(meta.Variants, req.Variant)
	if !ok {
		return nil, domain.NoMatchingVariant(req.Variant)
	}

	dl := ytdlp.New().
		Format(variant.ID).
		NoPlaylist().
		NoWarnings().
		RestrictFilenames().
		Output(filepath.Join(req.Dir, "%(title)s.%(ext)s"))

	dl.ProgressFunc(y.progressEvery, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes > 0 {
			log.Printf("yt-dlp: %s: %d%% of %d bytes", req.URL,
				update.DownloadedBytes*100/update.TotalBytes, update.TotalBytes)
		}
	})

	result, err := dl.Run(ctx, req.URL)
	if err != nil {
		return nil, classifyRun(ctx, result, err)
	}

	path, size, err := collectArtifact(req.Dir)
	if err != nil {
		return nil, domain.TransientNetwork("yt-dlp produced no file", err)
	}

	ext := variant.Ext
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	label := variant.Label
	if label == "" {
		label = variant.ID
	}

	return &domain.Artifact{
		Dir:      req.Dir,
		Path:     path,
		Filename: displayName(meta.Title, ext),
		Size:     size,
		Kind:     variant.Kind,
		Variant:  label,
		Title:    meta.Title,
	}, nil
}

// ytdlpInfo is the subset of yt-dlp's info JSON we use. Single-format
// extractors put the format fields at the top level.
type ytdlpInfo struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Uploader   string        `json:"uploader"`
	Channel    string        `json:"channel"`
	Duration   float64       `json:"duration"`
	Thumbnail  string        `json:"thumbnail"`
	WebpageURL string        `json:"webpage_url"`
	Formats    []ytdlpFormat `json:"formats"`
	ytdlpFormat
}

type ytdlpFormat struct {
	FormatID       string  `json:"format_id"`
	FormatNote     string  `json:"format_note"`
	Ext            string  `json:"ext"`
	ACodec         string  `json:"acodec"`
	VCodec         string  `json:"vcodec"`
	Height         int     `json:"height"`
	ABR            float64 `json:"abr"`
	TBR            float64 `json:"tbr"`
	Filesize       float64 `json:"filesize"`
	FilesizeApprox float64 `json:"filesize_approx"`
}

// parseInfo converts a --dump-single-json document into Metadata.
// Video-only formats are dropped since they cannot be served on their own.
func parseInfo(data []byte) (*domain.Metadata, error) {
	var info ytdlpInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	formats := info.Formats
	if len(formats) == 0 && info.FormatID != "" {
		formats = []ytdlpFormat{info.ytdlpFormat}
	}

	var variants []domain.Variant
	for _, f := range formats {
		if v, ok := f.variant(); ok {
			variants = append(variants, v)
		}
	}

	author := info.Uploader
	if author == "" {
		author = info.Channel
	}

	return &domain.Metadata{
		URL:       info.WebpageURL,
		VideoID:   info.ID,
		Title:     info.Title,
		Author:    author,
		Duration:  time.Duration(info.Duration * float64(time.Second)),
		Thumbnail: info.Thumbnail,
		Variants:  variants,
	}, nil
}

func (f ytdlpFormat) variant() (domain.Variant, bool) {
	if f.FormatID == "" {
		return domain.Variant{}, false
	}

	hasAudio := f.ACodec != "none"
	hasVideo := f.VCodec != "none"
	if !hasAudio {
		return domain.Variant{}, false
	}

	size := int64(f.Filesize)
	if size == 0 {
		size = int64(f.FilesizeApprox)
	}

	v := domain.Variant{
		ID:         f.FormatID,
		Ext:        f.Ext,
		ApproxSize: size,
		Height:     f.Height,
		Bitrate:    f.ABR,
	}
	if v.Bitrate == 0 {
		v.Bitrate = f.TBR
	}

	if hasVideo {
		v.Kind = domain.KindAudioVideo
		v.Label = f.FormatNote
		if f.Height > 0 {
			v.Label = fmt.Sprintf("%dp", f.Height)
		}
	} else {
		v.Kind = domain.KindAudio
		v.Label = "audio"
		if v.Bitrate > 0 {
			v.Label = fmt.Sprintf("%.0fkbps", v.Bitrate)
		}
	}
	if v.Label == "" {
		v.Label = f.FormatID
	}
	if f.Ext != "" {
		v.Label += " " + f.Ext
	}
	return v, true
}

var unavailableMarkers = []string{
	"video unavailable",
	"private video",
	"has been removed",
	"is not available",
	"copyright",
	"sign in to confirm",
	"members-only",
	"account associated with this video has been terminated",
	"unsupported url",
	"is not a valid url",
	"http error 404",
	"http error 410",
	"http error 403",
}

// classifyRun turns a failed yt-dlp run into an ExtractionFailure.
func classifyRun(ctx context.Context, result *ytdlp.Result, err error) error {
	if ctx.Err() != nil {
		return domain.TransientNetwork("yt-dlp interrupted", ctx.Err())
	}
	stderr := ""
	if result != nil {
		stderr = result.Stderr
	}
	return classifyStderr(stderr, err)
}

func classifyStderr(stderr string, err error) error {
	msg := strings.ToLower(stderr)
	if msg == "" && err != nil {
		msg = strings.ToLower(err.Error())
	}
	reason := lastErrorLine(stderr)
	if reason == "" && err != nil {
		reason = err.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.TransientNetwork(reason, err)
	}

	if strings.Contains(msg, "requested format is not available") {
		return &domain.ExtractionFailure{Kind: domain.FailureNoMatchingVariant, Reason: reason, Err: err}
	}
	for _, marker := range unavailableMarkers {
		if strings.Contains(msg, marker) {
			return domain.Unavailable(reason, err)
		}
	}
	return domain.TransientNetwork(reason, err)
}

// lastErrorLine returns the last "ERROR:" line of yt-dlp's stderr.
func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[len(lines)-1])
	}
	return ""
}
