package sfu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/voxmeet/sfu/internal/mcs"
)

// BridgeState represents the lifecycle state of a shared bridge.
type BridgeState int

const (
	BridgeIdle BridgeState = iota
	BridgeStarting
	BridgeRunning
	BridgeStopped
)

// String returns the string representation of BridgeState.
func (s BridgeState) String() string {
	switch s {
	case BridgeIdle:
		return "IDLE"
	case BridgeStarting:
		return "STARTING"
	case BridgeRunning:
		return "RUNNING"
	case BridgeStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Bridge is a softswitch-side media endpoint on the MCS. Consumer sessions
// of one meeting share a single bridge; an audio publisher owns a private
// one. It survives individual session failures and stops only when its
// last holder releases it.
type Bridge struct {
	meetingID   string
	voiceBridge string
	adapter     string
	server      mcs.MediaServer

	mu        sync.Mutex
	state     BridgeState
	mcsUserID string
	mediaID   string
}

// NewBridge creates an unstarted bridge for a meeting's voice conference.
func NewBridge(server mcs.MediaServer, meetingID, voiceBridge, adapter string) *Bridge {
	return &Bridge{
		meetingID:   meetingID,
		voiceBridge: voiceBridge,
		adapter:     adapter,
		server:      server,
	}
}

// MediaID returns the bridge's MCS media id, empty until started.
func (b *Bridge) MediaID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mediaID
}

// State returns the bridge state.
func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start allocates the softswitch endpoint. Idempotent: a running bridge
// returns immediately.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == BridgeRunning {
		b.mu.Unlock()
		return nil
	}
	b.state = BridgeStarting
	b.mu.Unlock()

	if !b.server.WaitForConnection(ctx) {
		b.fail()
		return ErrMediaServerOffline
	}

	userID, err := b.server.Join(ctx, b.voiceBridge, mcs.JoinOptions{
		ExternalUserID: "GLOBAL_AUDIO_" + b.voiceBridge,
		AutoLeave:      true,
	})
	if err != nil {
		b.fail()
		return fmt.Errorf("bridge join: %w", err)
	}

	mediaID, _, err := b.server.Publish(ctx, userID, b.voiceBridge, mcs.MediaTypeRTP, mcs.PublishOptions{
		Adapter: b.adapter,
		Kind:    mcs.KindAudio,
	})
	if err != nil {
		_ = b.server.Leave(ctx, b.voiceBridge, userID)
		b.fail()
		return fmt.Errorf("bridge publish: %w", err)
	}

	b.mu.Lock()
	b.mcsUserID = userID
	b.mediaID = mediaID
	b.state = BridgeRunning
	b.mu.Unlock()

	slog.Info("[Bridge] Started",
		"meeting_id", b.meetingID,
		"voice_bridge", b.voiceBridge,
		"media_id", mediaID,
	)
	return nil
}

func (b *Bridge) fail() {
	b.mu.Lock()
	b.state = BridgeStopped
	b.mu.Unlock()
}

// Stop releases the softswitch endpoint. Best-effort; safe to call twice.
func (b *Bridge) Stop(ctx context.Context) {
	b.mu.Lock()
	if b.state == BridgeStopped {
		b.mu.Unlock()
		return
	}
	userID, mediaID := b.mcsUserID, b.mediaID
	b.state = BridgeStopped
	b.mcsUserID, b.mediaID = "", ""
	b.mu.Unlock()

	if mediaID != "" {
		if err := b.server.Unpublish(ctx, userID, mediaID); err != nil {
			slog.Warn("[Bridge] Unpublish failed", "meeting_id", b.meetingID, "error", err)
		}
		if err := b.server.Leave(ctx, b.voiceBridge, userID); err != nil {
			slog.Warn("[Bridge] Leave failed", "meeting_id", b.meetingID, "error", err)
		}
	}

	slog.Info("[Bridge] Stopped", "meeting_id", b.meetingID, "voice_bridge", b.voiceBridge)
}

// bridgeEntry tracks one shared bridge and its holders.
type bridgeEntry struct {
	bridge *Bridge
	refs   int
}

// BridgeRegistry is the process-wide map from meeting id to its shared
// consumer bridge. Acquire is single-flight per meeting: concurrent calls
// share one underlying Start. Release stops the bridge when the last
// holder leaves.
type BridgeRegistry struct {
	server mcs.MediaServer

	mu      sync.Mutex
	entries map[string]*bridgeEntry
	group   singleflight.Group
}

// NewBridgeRegistry creates an empty registry.
func NewBridgeRegistry(server mcs.MediaServer) *BridgeRegistry {
	return &BridgeRegistry{
		server:  server,
		entries: make(map[string]*bridgeEntry),
	}
}

// Acquire returns the meeting's shared bridge, starting it on first use.
// Every successful Acquire must be paired with one Release.
func (r *BridgeRegistry) Acquire(ctx context.Context, meetingID, voiceBridge, adapter string) (*Bridge, error) {
	v, err, _ := r.group.Do(meetingID, func() (any, error) {
		r.mu.Lock()
		entry, ok := r.entries[meetingID]
		if !ok {
			entry = &bridgeEntry{bridge: NewBridge(r.server, meetingID, voiceBridge, adapter)}
			r.entries[meetingID] = entry
		}
		r.mu.Unlock()

		if err := entry.bridge.Start(ctx); err != nil {
			r.mu.Lock()
			if entry.refs == 0 {
				delete(r.entries, meetingID)
			}
			r.mu.Unlock()
			return nil, err
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	entry := v.(*bridgeEntry)
	r.mu.Lock()
	if cur, ok := r.entries[meetingID]; !ok || cur != entry {
		// Lost a race with the last Release; start over.
		r.mu.Unlock()
		return r.Acquire(ctx, meetingID, voiceBridge, adapter)
	}
	entry.refs++
	r.mu.Unlock()
	return entry.bridge, nil
}

// Release drops one holder. The bridge stops and leaves the registry when
// the count reaches zero. Releasing an unknown meeting is a no-op.
func (r *BridgeRegistry) Release(meetingID string) {
	r.mu.Lock()
	entry, ok := r.entries[meetingID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.entries, meetingID)
	r.group.Forget(meetingID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry.bridge.Stop(ctx)
}

// RefCount returns the holder count for a meeting. Test hook.
func (r *BridgeRegistry) RefCount(meetingID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[meetingID]; ok {
		return entry.refs
	}
	return 0
}
