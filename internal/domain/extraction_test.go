package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var testVariants = []Variant{
	{ID: "18", Kind: KindAudioVideo, Height: 360, ApproxSize: 10},
	{ID: "22", Kind: KindAudioVideo, Height: 720, ApproxSize: 40},
	{ID: "139", Kind: KindAudio, Bitrate: 48},
	{ID: "140", Kind: KindAudio, Bitrate: 128},
	{ID: "251", Kind: KindAudio, Bitrate: 160},
}

func TestSelectVariant(t *testing.T) {
	tests := []struct {
		name     string
		variants []Variant
		selector string
		wantID   string
		wantOK   bool
	}{
		{"best picks highest resolution", testVariants, SelectBest, "22", true},
		{"best_video aliases best", testVariants, SelectBestVideo, "22", true},
		{"best_audio picks highest bitrate", testVariants, SelectBestAudio, "251", true},
		{"concrete id", testVariants, "140", "140", true},
		{"stale id", testVariants, "999", "", false},
		{"best_audio falls back to smallest video", testVariants[:2], SelectBestAudio, "18", true},
		{"best falls back to audio-only sources", testVariants[2:], SelectBest, "251", true},
		{"empty list", nil, SelectBestAudio, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectVariant(tt.variants, tt.selector)
			if ok != tt.wantOK {
				t.Fatalf("SelectVariant() ok = %v, want %v", ok, tt.wantOK)
			}
			if got.ID != tt.wantID {
				t.Errorf("SelectVariant() id = %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"unavailable", Unavailable("video removed", nil), FailureUnavailable},
		{"transient", TransientNetwork("reset", nil), FailureTransientNetwork},
		{"stale variant", NoMatchingVariant("22"), FailureNoMatchingVariant},
		{"wrapped", fmt.Errorf("fetch: %w", Unavailable("private", nil)), FailureUnavailable},
		{"plain error", errors.New("disk full"), FailureTransientNetwork},
		{"deadline", context.DeadlineExceeded, FailureTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := ClassifyFailure(tt.err)
			if got != tt.want {
				t.Errorf("ClassifyFailure() = %q, want %q", got, tt.want)
			}
			if reason == "" {
				t.Error("ClassifyFailure() reason is empty")
			}
		})
	}
}

func TestFailureKind_Retryable(t *testing.T) {
	if !FailureTransientNetwork.Retryable() {
		t.Error("transient_network should be retryable")
	}
	for _, k := range []FailureKind{FailureUnavailable, FailureNoMatchingVariant, FailureLeaseExpired} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
