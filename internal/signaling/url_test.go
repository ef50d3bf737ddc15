package signaling

import (
	"errors"
	"testing"
)

type fakeSettings struct {
	url    string
	err    error
	setTo  string
	setCnt int
}

func (f *fakeSettings) SignalingURL() (string, error) { return f.url, f.err }

func (f *fakeSettings) SetSignalingURL(url string) error {
	f.setTo = url
	f.setCnt++
	return nil
}

func TestResolveURLOverrideWins(t *testing.T) {
	store := &fakeSettings{url: "ws://stored:9999"}
	got := ResolveURL("  ws://override:1234  ", store)
	if got != "ws://override:1234" {
		t.Errorf("Expected override, got %s", got)
	}
}

func TestResolveURLUsesStored(t *testing.T) {
	store := &fakeSettings{url: "ws://stored:9999"}
	got := ResolveURL("", store)
	if got != "ws://stored:9999" {
		t.Errorf("Expected stored URL, got %s", got)
	}
	if store.setCnt != 0 {
		t.Error("Expected no rewrite of a non-stale setting")
	}
}

func TestResolveURLUpgradesStaleDefault(t *testing.T) {
	store := &fakeSettings{url: "ws://localhost:3000"}
	got := ResolveURL("", store)
	if got != DefaultURL {
		t.Errorf("Expected upgrade to %s, got %s", DefaultURL, got)
	}
	if store.setTo != DefaultURL || store.setCnt != 1 {
		t.Errorf("Expected exactly one rewrite to %s, got %q x%d", DefaultURL, store.setTo, store.setCnt)
	}
}

func TestResolveURLFallsBackToDefault(t *testing.T) {
	if got := ResolveURL("", nil); got != DefaultURL {
		t.Errorf("Expected default with nil store, got %s", got)
	}
	if got := ResolveURL("", &fakeSettings{url: "   "}); got != DefaultURL {
		t.Errorf("Expected default with blank setting, got %s", got)
	}
	if got := ResolveURL("", &fakeSettings{err: errors.New("db closed")}); got != DefaultURL {
		t.Errorf("Expected default on store error, got %s", got)
	}
}
