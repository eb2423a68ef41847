package sfu

import (
	"log/slog"
	"strings"
	"sync"
)

// ExternalSourcePrefix marks SIP-dialed webcam users on the bus.
const ExternalSourcePrefix = "v_"

// sipStreamSuffix is appended by the dial-in gateway to stream names.
const sipStreamSuffix = "|SIP"

// SourceRegistry tracks external (SIP-dialed) webcam sources announced on
// the bus, keyed by both the original stream name and the user id.
// Entries are additive; nothing removes them during normal operation,
// and reads tolerate racing registrations.
type SourceRegistry struct {
	mu      sync.RWMutex
	sources map[string]string // stream name or user id -> normalized stream
}

// NewSourceRegistry creates an empty registry.
func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{sources: make(map[string]string)}
}

// Register records an external source announcement. The stream name is
// normalized by stripping the dial-in suffix.
func (r *SourceRegistry) Register(stream, userID string) {
	normalized := strings.TrimSuffix(stream, sipStreamSuffix)

	r.mu.Lock()
	r.sources[stream] = normalized
	r.sources[userID] = normalized
	r.mu.Unlock()

	slog.Debug("[Sources] External source registered",
		"stream", stream,
		"user_id", userID,
		"normalized", normalized,
	)
}

// Resolve maps a requested camera id to its actual media source. Ids with
// no registration resolve to themselves.
func (r *SourceRegistry) Resolve(cameraID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if source, ok := r.sources[cameraID]; ok {
		return source
	}
	return cameraID
}
