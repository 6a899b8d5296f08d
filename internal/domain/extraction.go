package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// MediaKind tells whether a variant carries video.
type MediaKind string

const (
	KindAudio      MediaKind = "audio"
	KindAudioVideo MediaKind = "audio_video"
)

// Variant is one selectable format offered by the extractor.
type Variant struct {
	ID         string
	Label      string
	Ext        string
	ApproxSize int64
	Kind       MediaKind
	Height     int
	Bitrate    float64
}

// Metadata is what the extractor knows about a URL before fetching.
type Metadata struct {
	URL       string
	Source    Source
	VideoID   string
	Title     string
	Author    string
	Duration  time.Duration
	Thumbnail string
	Variants  []Variant
}

// Artifact is a fetched file on local disk.
type Artifact struct {
	// Dir is the per-job scratch directory holding Path, removed on discard.
	Dir      string
	Path     string
	Filename string
	Size     int64
	Kind     MediaKind
	Variant  string
	Title    string
}

// FetchRequest asks an extractor to retrieve one variant into Dir.
type FetchRequest struct {
	URL     string
	Variant string
	Dir     string
}

// Variant selectors resolved against the fresh variant list at fetch time.
const (
	SelectBest      = "best"
	SelectBestAudio = "best_audio"
	SelectBestVideo = "best_video"
)

// FailureKind classifies why an attempt failed.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureUnavailable       FailureKind = "unavailable"
	FailureTransientNetwork  FailureKind = "transient_network"
	FailureNoMatchingVariant FailureKind = "no_matching_variant"
	FailureLeaseExpired      FailureKind = "lease_expired"
)

// Retryable reports whether a failure of this kind may succeed later.
func (k FailureKind) Retryable() bool {
	return k == FailureTransientNetwork
}

// ExtractionFailure is the tagged outcome of a failed Resolve or Fetch.
type ExtractionFailure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *ExtractionFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *ExtractionFailure) Unwrap() error { return f.Err }

// Unavailable builds a non-retryable content failure.
func Unavailable(reason string, err error) *ExtractionFailure {
	return &ExtractionFailure{Kind: FailureUnavailable, Reason: reason, Err: err}
}

// TransientNetwork builds a retryable failure.
func TransientNetwork(reason string, err error) *ExtractionFailure {
	return &ExtractionFailure{Kind: FailureTransientNetwork, Reason: reason, Err: err}
}

// NoMatchingVariant builds a failure for a stale selector.
func NoMatchingVariant(selector string) *ExtractionFailure {
	return &ExtractionFailure{
		Kind:   FailureNoMatchingVariant,
		Reason: fmt.Sprintf("no variant matches %q", selector),
	}
}

// ClassifyFailure maps any error to a failure kind. Errors that are not
// ExtractionFailures (timeouts, I/O) are treated as transient.
func ClassifyFailure(err error) (FailureKind, string) {
	var f *ExtractionFailure
	if errors.As(err, &f) {
		return f.Kind, f.Error()
	}
	return FailureTransientNetwork, err.Error()
}

// SelectVariant resolves a selector against the variant list.
func SelectVariant(variants []Variant, selector string) (Variant, bool) {
	switch selector {
	case SelectBest, SelectBestVideo:
		if v, ok := bestAudioVideo(variants); ok {
			return v, true
		}
		return bestAudio(variants)
	case SelectBestAudio:
		if v, ok := bestAudio(variants); ok {
			return v, true
		}
		return smallestAudioVideo(variants)
	}
	for _, v := range variants {
		if v.ID == selector {
			return v, true
		}
	}
	return Variant{}, false
}

func bestAudioVideo(variants []Variant) (Variant, bool) {
	av := filterKind(variants, KindAudioVideo)
	if len(av) == 0 {
		return Variant{}, false
	}
	sort.SliceStable(av, func(i, j int) bool {
		if av[i].Height != av[j].Height {
			return av[i].Height > av[j].Height
		}
		return av[i].ApproxSize > av[j].ApproxSize
	})
	return av[0], true
}

func bestAudio(variants []Variant) (Variant, bool) {
	a := filterKind(variants, KindAudio)
	if len(a) == 0 {
		return Variant{}, false
	}
	sort.SliceStable(a, func(i, j int) bool { return a[i].Bitrate > a[j].Bitrate })
	return a[0], true
}

func smallestAudioVideo(variants []Variant) (Variant, bool) {
	av := filterKind(variants, KindAudioVideo)
	if len(av) == 0 {
		return Variant{}, false
	}
	sort.SliceStable(av, func(i, j int) bool { return av[i].Height < av[j].Height })
	return av[0], true
}

func filterKind(variants []Variant, kind MediaKind) []Variant {
	var out []Variant
	for _, v := range variants {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}
