package playlist

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/ytget/ytdlp/v2"

	"github.com/cwygoda/harvester/internal/domain"
)

// DefaultTimeout bounds one playlist expansion.
const DefaultTimeout = 60 * time.Second

const videoURLTemplate = "https://www.youtube.com/watch?v=%s"

// Expander lists the videos of a YouTube playlist.
type Expander struct {
	timeout time.Duration
	list    func(ctx context.Context, playlistID string) ([]domain.PlaylistEntry, error)
}

// New creates an Expander backed by the ytdlp library.
func New() *Expander {
	return &Expander{timeout: DefaultTimeout, list: listItems}
}

// SetTimeout sets the timeout for expansion.
func (e *Expander) SetTimeout(timeout time.Duration) {
	e.timeout = timeout
}

// Expand resolves a playlist URL into its entries.
func (e *Expander) Expand(ctx context.Context, rawURL string) (*domain.Playlist, error) {
	id, err := PlaylistID(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	entries, err := e.list(ctx, id)
	if err != nil {
		return nil, domain.TransientNetwork("failed to get playlist items", err)
	}
	if len(entries) == 0 {
		return nil, domain.Unavailable(fmt.Sprintf("playlist %s is empty or private", id), nil)
	}

	return &domain.Playlist{ID: id, URL: rawURL, Entries: entries}, nil
}

func listItems(ctx context.Context, playlistID string) ([]domain.PlaylistEntry, error) {
	items, err := ytdlp.New().GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.PlaylistEntry, 0, len(items))
	for _, it := range items {
		if it.VideoID == "" {
			continue
		}
		entries = append(entries, domain.PlaylistEntry{
			VideoID: it.VideoID,
			Title:   it.Title,
			URL:     fmt.Sprintf(videoURLTemplate, it.VideoID),
		})
	}
	return entries, nil
}

// PlaylistID extracts the list parameter of a playlist URL.
func PlaylistID(rawURL string) (string, error) {
	if err := domain.ValidateTargetURL(rawURL); err != nil {
		return "", err
	}
	u, _ := url.Parse(rawURL)
	if domain.DetectSource(rawURL) != domain.SourceYouTube {
		return "", &domain.ValidationError{Field: "url", Reason: "only YouTube playlists are supported"}
	}
	id := u.Query().Get("list")
	if id == "" {
		return "", &domain.ValidationError{Field: "url", Reason: "missing list parameter"}
	}
	return id, nil
}
