package domain

import (
	"net/url"
	"regexp"
	"strings"
)

// Source is the platform a target URL belongs to.
type Source string

const (
	SourceYouTube     Source = "youtube"
	SourceVimeo       Source = "vimeo"
	SourceDailymotion Source = "dailymotion"
	SourceFacebook    Source = "facebook"
	SourceTwitter     Source = "twitter"
	SourceSoundCloud  Source = "soundcloud"
	SourceMixcloud    Source = "mixcloud"
	SourceUnknown     Source = "unknown"
)

// UnknownVideoID is stored when no platform id can be extracted.
const UnknownVideoID = "unknown"

var sourceDomains = []struct {
	source  Source
	domains []string
}{
	{SourceYouTube, []string{"youtube.com", "youtu.be"}},
	{SourceVimeo, []string{"vimeo.com"}},
	{SourceDailymotion, []string{"dailymotion.com", "dai.ly"}},
	{SourceFacebook, []string{"facebook.com", "fb.watch"}},
	{SourceTwitter, []string{"twitter.com", "x.com"}},
	{SourceSoundCloud, []string{"soundcloud.com"}},
	{SourceMixcloud, []string{"mixcloud.com"}},
}

// ParseSource validates a source tag. "auto" and "" are not sources.
func ParseSource(s string) (Source, bool) {
	if Source(s) == SourceUnknown {
		return SourceUnknown, true
	}
	for _, sd := range sourceDomains {
		if string(sd.source) == s {
			return sd.source, true
		}
	}
	return "", false
}

// DetectSource guesses the platform from the URL host.
func DetectSource(rawURL string) Source {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SourceUnknown
	}
	host := strings.ToLower(u.Hostname())
	for _, sd := range sourceDomains {
		for _, d := range sd.domains {
			if host == d || strings.HasSuffix(host, "."+d) {
				return sd.source
			}
		}
	}
	return SourceUnknown
}

var (
	youtubeIDPattern     = regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})`)
	vimeoIDPattern       = regexp.MustCompile(`vimeo\.com/(?:channels/(?:\w+/)?|groups/[^/]*/videos/)?(\d+)`)
	dailymotionIDPattern = regexp.MustCompile(`dailymotion\.com/(?:video/|embed/video/)([a-zA-Z0-9]+)`)
)

// ExtractVideoID returns the platform id of the URL, or UnknownVideoID.
func ExtractVideoID(rawURL string, source Source) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return UnknownVideoID
	}

	switch source {
	case SourceYouTube:
		if strings.EqualFold(u.Hostname(), "youtu.be") {
			if id := strings.Trim(u.Path, "/"); id != "" {
				return id
			}
		}
		if v := u.Query().Get("v"); v != "" {
			return v
		}
		if m := youtubeIDPattern.FindStringSubmatch(u.Path); m != nil {
			return m[1]
		}
	case SourceVimeo:
		if m := vimeoIDPattern.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	case SourceDailymotion:
		if m := dailymotionIDPattern.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
		if strings.EqualFold(u.Hostname(), "dai.ly") {
			if id := strings.Trim(u.Path, "/"); id != "" {
				return id
			}
		}
	}
	return UnknownVideoID
}

// ValidateTargetURL accepts only absolute http(s) URLs with a host.
func ValidateTargetURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return &ValidationError{Field: "url", Reason: "not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Reason: "missing host"}
	}
	return nil
}
