package sfu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/voxmeet/sfu/api/types/v1"
	"github.com/voxmeet/sfu/internal/bus"
	"github.com/voxmeet/sfu/internal/mcs"
)

// errEndpointStopped marks a negotiation that lost a race with Stop. The
// allocation it produced has already been handed back to the MCS.
var errEndpointStopped = errors.New("endpoint stopped during negotiation")

type endpointKind int

const (
	endpointPublisher endpointKind = iota
	endpointConsumer
)

// EndpointParams carries everything an endpoint needs to negotiate with
// the MCS and talk back to its client.
type EndpointParams struct {
	Mode         MediaMode
	Key          string
	ConnectionID string
	UserID       string
	// Room is the MCS room: the voice bridge for audio, the meeting for video.
	Room string
	// SourceID is the consumer's media source: the shared bridge's media id
	// for audio, the resolved camera stream for video.
	SourceID string
	Adapter  string
	// Bitrate is the effective cap in kbps applied to the negotiated answer.
	Bitrate              int
	OverrideRouterCodecs bool
	DedicatedRouter      bool

	Server mcs.MediaServer
	Frames bus.Publisher
	// OnError reports watchdog and event failures for centralized
	// normalization, publication and metrics.
	OnError func(method string, err *SFUError)

	FlowTimeout  time.Duration
	StateTimeout time.Duration

	// Bridge is the softswitch attachment: the meeting's shared bridge for
	// consumers, a private one for audio publishers. OwnsBridge marks the
	// private case; owned bridges stop with the endpoint.
	Bridge     *Bridge
	OwnsBridge bool
}

// Endpoint is a single media session with the MCS. The publisher variant
// owns a media id and (for audio) a softswitch bridge; the consumer
// variant attaches to the meeting's shared bridge. Both expose the same
// contract: Start, OnIceCandidate, ProcessAnswer, Dtmf, RestartIce, Stop.
type Endpoint struct {
	kind endpointKind
	EndpointParams

	mu        sync.Mutex
	mcsUserID string
	mediaID   string
	stopped   bool
	mediaSub  mcs.Subscription

	// iceMu serializes candidate forwarding so MCS delivery follows
	// client arrival order.
	iceMu   sync.Mutex
	pending []string

	timerMu    sync.Mutex
	flowTimer  *time.Timer
	stateTimer *time.Timer
}

// NewPublisherEndpoint creates an unstarted publisher/transceiver endpoint.
func NewPublisherEndpoint(p EndpointParams) *Endpoint {
	return &Endpoint{kind: endpointPublisher, EndpointParams: p}
}

// NewConsumerEndpoint creates an unstarted receive-only endpoint.
func NewConsumerEndpoint(p EndpointParams) *Endpoint {
	return &Endpoint{kind: endpointConsumer, EndpointParams: p}
}

// MediaID returns the MCS media id, empty until started.
func (e *Endpoint) MediaID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mediaID
}

// SeedCandidates pre-loads candidates that arrived before the endpoint
// existed. Must be called before Start.
func (e *Endpoint) SeedCandidates(candidates []string) {
	e.iceMu.Lock()
	e.pending = append(e.pending, candidates...)
	e.iceMu.Unlock()
}

// Start negotiates the endpoint with the MCS and returns the SDP answer.
// Partial allocations on failure are reclaimed by the caller's Stop path.
func (e *Endpoint) Start(ctx context.Context, offer string) (string, error) {
	if !e.Server.WaitForConnection(ctx) {
		return "", ErrMediaServerOffline
	}

	userID, err := e.Server.Join(ctx, e.Room, mcs.JoinOptions{
		ExternalUserID: e.UserID,
		AutoLeave:      true,
	})
	if err != nil {
		return "", fmt.Errorf("join: %w", err)
	}
	e.mu.Lock()
	e.mcsUserID = userID
	e.mu.Unlock()

	var mediaID, answer string
	if e.kind == endpointPublisher {
		mediaID, answer, err = e.startPublisher(ctx, userID, offer)
	} else {
		mediaID, answer, err = e.startConsumer(ctx, userID, offer)
	}
	if err != nil {
		return "", err
	}

	// Stop may have run while the negotiation was in flight, before any
	// media id existed for it to release. The fresh allocation is handed
	// straight back instead of being published to a dead endpoint.
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		if err := e.Server.Unpublish(ctx, userID, mediaID); err != nil {
			slog.Warn("[Endpoint] Unpublish after stop failed", "key", e.Key, "media_id", mediaID, "error", err)
		}
		return "", errEndpointStopped
	}
	e.mediaID = mediaID
	e.mediaSub = e.Server.OnMediaEvent(mediaID, e.handleMediaEvent)
	e.mu.Unlock()

	if err := e.flushCandidates(ctx); err != nil {
		slog.Warn("[Endpoint] Candidate flush failed", "key", e.Key, "error", err)
	}

	slog.Info("[Endpoint] Started",
		"key", e.Key,
		"media_id", mediaID,
		"mcs_user_id", userID,
	)
	return applyBandwidth(answer, e.Bitrate), nil
}

func (e *Endpoint) startPublisher(ctx context.Context, userID, offer string) (string, string, error) {
	mediaID, answer, err := e.Server.Publish(ctx, userID, e.Room, mcs.MediaTypeWebRTC, mcs.PublishOptions{
		DescriptorOffer:      offer,
		Adapter:              e.Adapter,
		Kind:                 e.mediaKind(),
		OverrideRouterCodecs: e.OverrideRouterCodecs,
		DedicatedRouter:      e.DedicatedRouter,
	})
	if err != nil {
		return "", "", fmt.Errorf("publish: %w", err)
	}

	// Audio publishers attach to the softswitch and take their answer from
	// the consume leg; video answers come straight from the publish.
	if e.Mode == ModeAudio && e.Bridge != nil {
		if err := e.Bridge.Start(ctx); err != nil {
			return "", "", err
		}
		bridgeMediaID := e.Bridge.MediaID()

		_, bridgeAnswer, err := e.Server.Consume(ctx, bridgeMediaID, mediaID, mcs.KindAudio)
		if err != nil {
			return "", "", fmt.Errorf("consume: %w", err)
		}
		if err := e.Server.Connect(ctx, mediaID, bridgeMediaID, mcs.KindAudio); err != nil {
			return "", "", fmt.Errorf("connect uplink: %w", err)
		}
		if err := e.Server.Connect(ctx, bridgeMediaID, mediaID, mcs.KindAudio); err != nil {
			return "", "", fmt.Errorf("connect downlink: %w", err)
		}
		answer = bridgeAnswer
	}

	return mediaID, answer, nil
}

func (e *Endpoint) startConsumer(ctx context.Context, userID, offer string) (string, string, error) {
	mediaID, answer, err := e.Server.Subscribe(ctx, userID, e.Room, e.SourceID, mcs.MediaTypeWebRTC, mcs.SubscribeOptions{
		DescriptorOffer: offer,
		Adapter:         e.Adapter,
		Kind:            e.mediaKind(),
	})
	if err != nil {
		return "", "", fmt.Errorf("subscribe: %w", err)
	}
	return mediaID, answer, nil
}

func (e *Endpoint) mediaKind() mcs.MediaKind {
	if e.Mode == ModeVideo {
		return mcs.KindVideo
	}
	return mcs.KindAudio
}

// OnIceCandidate forwards a client candidate to the MCS, buffering it
// while the media id is still unknown. Delivery preserves arrival order.
func (e *Endpoint) OnIceCandidate(ctx context.Context, candidate string) error {
	e.iceMu.Lock()
	defer e.iceMu.Unlock()

	mediaID := e.MediaID()
	if mediaID == "" || len(e.pending) > 0 {
		e.pending = append(e.pending, candidate)
		return nil
	}
	return e.Server.AddIceCandidate(ctx, mediaID, candidate)
}

// flushCandidates drains the pending queue into the MCS in FIFO order
// and empties it.
func (e *Endpoint) flushCandidates(ctx context.Context) error {
	e.iceMu.Lock()
	defer e.iceMu.Unlock()

	mediaID := e.MediaID()
	for _, candidate := range e.pending {
		if err := e.Server.AddIceCandidate(ctx, mediaID, candidate); err != nil {
			e.pending = nil
			return err
		}
	}
	e.pending = nil
	return nil
}

// ProcessAnswer handles a renegotiation descriptor. On a publisher this is
// historically misnamed: it is a fresh offer, re-published under the
// existing media id. On a consumer it is the client's answer to the
// subscribe offer.
func (e *Endpoint) ProcessAnswer(ctx context.Context, descriptor string) error {
	mediaID := e.MediaID()
	if mediaID == "" {
		return nil
	}

	if e.kind == endpointPublisher {
		e.mu.Lock()
		userID := e.mcsUserID
		e.mu.Unlock()
		_, _, err := e.Server.Publish(ctx, userID, e.Room, mcs.MediaTypeWebRTC, mcs.PublishOptions{
			DescriptorOffer:      descriptor,
			Adapter:              e.Adapter,
			Kind:                 e.mediaKind(),
			OverrideRouterCodecs: e.OverrideRouterCodecs,
			DedicatedRouter:      e.DedicatedRouter,
		})
		if err != nil {
			return fmt.Errorf("republish: %w", err)
		}
		return nil
	}

	return e.Server.ProcessAnswer(ctx, mediaID, descriptor)
}

// Dtmf relays tones on an audio publisher. Other variants return empty
// digits without touching the MCS.
func (e *Endpoint) Dtmf(ctx context.Context, tones string) (string, error) {
	mediaID := e.MediaID()
	if e.kind != endpointPublisher || e.Mode != ModeAudio || mediaID == "" {
		return "", nil
	}
	return e.Server.Dtmf(ctx, mediaID, tones)
}

// RestartIce renegotiates ICE, returning the fresh offer. Endpoints
// without a media id resolve without effect.
func (e *Endpoint) RestartIce(ctx context.Context) (string, error) {
	mediaID := e.MediaID()
	if mediaID == "" {
		return "", nil
	}
	return e.Server.RestartIce(ctx, mediaID)
}

// handleMediaEvent drives the media-state machine from MCS events.
func (e *Endpoint) handleMediaEvent(ev mcs.MediaEvent) {
	switch ev.Name {
	case mcs.EventOnIceCandidate:
		e.publishFrame(v1.Frame{
			ID:           v1.FrameIceCandidate,
			ConnectionID: e.ConnectionID,
			Candidate:    ev.Candidate,
		})
	case mcs.EventMediaStateChanged:
		switch ev.Details {
		case mcs.StateConnected:
			e.clearStateTimer()
		case mcs.StateDisconnected:
			e.armStateTimer()
		}
	case mcs.EventMediaFlowIn, mcs.EventMediaFlowOut:
		switch ev.Details {
		case mcs.StateFlowing:
			e.clearFlowTimer()
			if e.Mode == ModeAudio {
				e.publishFrame(v1.Frame{
					ID:           v1.FrameAudioSuccess,
					ConnectionID: e.ConnectionID,
					Success:      "MEDIA_FLOWING",
				})
			}
		case mcs.StateNotFlowing:
			e.armFlowTimer()
		}
	case mcs.EventServerOffline:
		if e.OnError != nil {
			e.OnError("event", ErrMediaServerOffline)
		}
	}
}

// armFlowTimer arms the media-flow watchdog. Arming while armed is a no-op.
func (e *Endpoint) armFlowTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.flowTimer != nil || e.FlowTimeout <= 0 {
		return
	}
	e.flowTimer = time.AfterFunc(e.FlowTimeout, func() {
		slog.Warn("[Endpoint] Media flow timeout", "key", e.Key)
		e.reportTimeout()
	})
}

func (e *Endpoint) clearFlowTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.flowTimer != nil {
		e.flowTimer.Stop()
		e.flowTimer = nil
	}
}

// armStateTimer arms the media-state watchdog. Arming while armed is a no-op.
func (e *Endpoint) armStateTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.stateTimer != nil || e.StateTimeout <= 0 {
		return
	}
	e.stateTimer = time.AfterFunc(e.StateTimeout, func() {
		slog.Warn("[Endpoint] Media state timeout", "key", e.Key)
		e.reportTimeout()
	})
}

func (e *Endpoint) clearStateTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.stateTimer != nil {
		e.stateTimer.Stop()
		e.stateTimer = nil
	}
}

func (e *Endpoint) reportTimeout() {
	if e.OnError != nil {
		e.OnError("watchdog", ErrMediaTimeout)
	}
}

func (e *Endpoint) publishFrame(frame v1.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Frames.PublishFrame(ctx, frame); err != nil {
		slog.Warn("[Endpoint] Frame publish failed", "key", e.Key, "frame", frame.ID, "error", err)
	}
}

// Stop tears the endpoint down: watchdogs and the ICE queue are cleared,
// MCS events unsubscribed, the endpoint unpublished best-effort, and an
// owned bridge stopped. Idempotent.
func (e *Endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	userID, mediaID := e.mcsUserID, e.mediaID
	sub := e.mediaSub
	e.mediaSub = nil
	e.mu.Unlock()

	e.clearFlowTimer()
	e.clearStateTimer()

	e.iceMu.Lock()
	e.pending = nil
	e.iceMu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}

	if mediaID != "" {
		if err := e.Server.Unpublish(ctx, userID, mediaID); err != nil {
			slog.Warn("[Endpoint] Unpublish failed", "key", e.Key, "media_id", mediaID, "error", err)
		}
	}

	if e.OwnsBridge && e.Bridge != nil {
		e.Bridge.Stop(ctx)
	}

	slog.Info("[Endpoint] Stopped", "key", e.Key, "media_id", mediaID)
	return nil
}
