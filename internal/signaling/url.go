package signaling

import (
	"fmt"
	"strings"

	"github.com/peerdrop/peerdrop/internal/protocol"
)

// DefaultURL is the relay endpoint assumed when nothing else is configured.
var DefaultURL = fmt.Sprintf("ws://localhost:%d", protocol.DefaultRelayPort)

// staleDefaultURL is the pre-3001 default. A persisted copy of it is
// rewritten once to the current default so old installs follow the relay.
const staleDefaultURL = "ws://localhost:3000"

// SettingsStore is the persisted-settings surface the resolver needs.
type SettingsStore interface {
	SignalingURL() (string, error)
	SetSignalingURL(url string) error
}

// ResolveURL picks the signaling relay URL: an explicit override wins, then
// the persisted setting, then the default. A stored stale default is
// upgraded in place.
func ResolveURL(override string, store SettingsStore) string {
	if url := strings.TrimSpace(override); url != "" {
		return url
	}

	if store != nil {
		stored, err := store.SignalingURL()
		if err == nil {
			if url := strings.TrimSpace(stored); url != "" {
				if url == staleDefaultURL {
					_ = store.SetSignalingURL(DefaultURL)
					return DefaultURL
				}
				return url
			}
		}
	}

	return DefaultURL
}
