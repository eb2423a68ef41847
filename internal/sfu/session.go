package sfu

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/voxmeet/sfu/api/types/v1"
	"github.com/voxmeet/sfu/internal/bus"
	"github.com/voxmeet/sfu/internal/config"
	"github.com/voxmeet/sfu/internal/mcs"
)

// errSessionClosed marks a start that lost a race with its own teardown.
// The client has already seen a close frame; no error frame follows.
var errSessionClosed = errors.New("session closed during start")

// SessionParams carries the identity and collaborators for one session.
type SessionParams struct {
	Key          string
	ConnectionID string
	MeetingID    string
	UserID       string
	Role         string
	ResourceID   string
	VoiceBridge  string
	MediaServer  string
	Mode         MediaMode

	Server   mcs.MediaServer
	Frames   bus.Publisher
	Events   bus.MeetingEvents
	Oracle   bus.PermissionOracle
	Registry *BridgeRegistry
	Sources  *SourceRegistry
	Config   *config.Config

	// OnError is the manager's centralized error reporter.
	OnError func(method string, err *SFUError)
	// OnFatal asks the manager to close this session on its lifecycle queue.
	OnFatal func()
}

// Session is the per-client orchestrator. It owns exactly one endpoint,
// reacts to user-left and MCS-disconnected events, and exposes the
// client-facing contract.
type Session struct {
	SessionParams

	mu       sync.Mutex
	status   SessionStatus
	endpoint *Endpoint
	bridge   *Bridge // shared bridge held via the registry (consumers)
	seed     []string
	subs     []interface{ Unsubscribe() }
}

// NewSession constructs a session and attaches its event subscriptions.
func NewSession(p SessionParams) *Session {
	s := &Session{SessionParams: p, status: StatusStarting}

	if p.Config.EjectOnUserLeft && p.Events != nil {
		sub := p.Events.OnUserLeft(p.MeetingID, p.UserID, func() {
			go s.disconnectUser()
		})
		s.subs = append(s.subs, sub)
	}
	sub := p.Server.OnDisconnect(func() {
		s.handleServerOffline()
	})
	s.subs = append(s.subs, sub)

	return s
}

// Key returns the composite session key.
func (s *Session) Key() string { return s.SessionParams.Key }

// Status returns the session lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Ready reports whether the session accepts negotiation traffic.
func (s *Session) Ready() bool {
	return s.Status().Ready()
}

// SeedCandidates buffers candidates that arrived before the session
// existed. Seeds predate anything routed to the session directly, so
// they go ahead of candidates already buffered here.
func (s *Session) SeedCandidates(candidates []string) {
	if len(candidates) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint != nil {
		s.endpoint.SeedCandidates(candidates)
		return
	}
	s.seed = append(append([]string(nil), candidates...), s.seed...)
}

// Start authorizes the request, builds the endpoint variant for the role
// and negotiates it, returning the SDP answer. Failures are normalized by
// the caller.
func (s *Session) Start(ctx context.Context, msg v1.Message) (string, error) {
	if !s.Mode.validRole(s.Role) {
		return "", ErrInvalidRequest
	}
	if s.Role == v1.RoleSendRecv && !s.Config.FullAudioEnabled {
		return "", ErrInvalidRequest
	}

	if err := s.authorize(ctx); err != nil {
		return "", err
	}

	var endpoint *Endpoint
	if s.Mode.publisherRole(s.Role) {
		endpoint = s.buildPublisher(msg)
	} else {
		bridge, err := s.Registry.Acquire(ctx, s.MeetingID, s.VoiceBridge, s.adapter())
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.bridge = bridge
		s.mu.Unlock()
		endpoint = s.buildConsumer(msg, bridge)
	}

	s.mu.Lock()
	if s.status == StatusStopping || s.status == StatusStopped {
		bridge := s.bridge
		s.bridge = nil
		s.mu.Unlock()
		if bridge != nil {
			s.Registry.Release(s.MeetingID)
		}
		return "", errSessionClosed
	}
	endpoint.SeedCandidates(s.seed)
	s.seed = nil
	s.endpoint = endpoint
	s.mu.Unlock()

	answer, err := endpoint.Start(ctx, msg.SDPOffer)
	if err != nil {
		if errors.Is(err, errEndpointStopped) {
			return "", errSessionClosed
		}
		return "", err
	}

	// A teardown may have run while the negotiation was in flight. The
	// endpoint now holds a media id the stop path never saw, so it is
	// released here and the session stays stopped.
	s.mu.Lock()
	if s.status == StatusStopping || s.status == StatusStopped {
		s.mu.Unlock()
		if err := endpoint.Stop(ctx); err != nil {
			slog.Warn("[Session] Endpoint stop after close failed", "key", s.SessionParams.Key, "error", err)
		}
		return "", errSessionClosed
	}
	s.status = StatusStarted
	s.mu.Unlock()

	slog.Info("[Session] Started", "key", s.SessionParams.Key, "role", s.Role)
	return answer, nil
}

// authorize consults the oracle per role: publishers need broadcast/speak
// permission, viewers need subscribe permission.
func (s *Session) authorize(ctx context.Context) error {
	switch s.Role {
	case v1.RoleShare:
		return s.Oracle.CanBroadcast(ctx, s.MeetingID, s.UserID, s.ResourceID)
	case v1.RoleViewer:
		return s.Oracle.CanSubscribe(ctx, s.MeetingID, s.UserID, s.ResourceID)
	case v1.RoleSendRecv:
		return s.Oracle.CanSpeak(ctx, s.MeetingID, s.UserID, s.VoiceBridge)
	case v1.RoleRecvOnly:
		return s.Oracle.CanSubscribe(ctx, s.MeetingID, s.UserID, s.VoiceBridge)
	default:
		return ErrInvalidRequest
	}
}

func (s *Session) baseParams(msg v1.Message) EndpointParams {
	spec := s.Config.MediaSpecs.Audio
	room := s.VoiceBridge
	if s.Mode == ModeVideo {
		spec = s.Config.MediaSpecs.Camera
		room = s.MeetingID
	}

	return EndpointParams{
		Mode:         s.Mode,
		Key:          s.SessionParams.Key,
		ConnectionID: s.ConnectionID,
		UserID:       s.UserID,
		Room:         room,
		Adapter:      s.adapter(),
		Bitrate:      effectiveBitrate(msg.Bitrate, spec.MaxKbps),
		Server:       s.Server,
		Frames:       s.Frames,
		OnError:      s.OnError,
		FlowTimeout:  s.Config.MediaFlowTimeout,
		StateTimeout: s.Config.MediaStateTimeout,
	}
}

func (s *Session) buildPublisher(msg v1.Message) *Endpoint {
	p := s.baseParams(msg)
	if s.Mode == ModeVideo {
		// Dedicated routers keep large meetings from starving a shared one;
		// override kicks in when the adapter differs from the default.
		p.DedicatedRouter = msg.Record == nil || *msg.Record
		p.OverrideRouterCodecs = s.MediaServer != s.Config.VideoMediaServer
	} else {
		p.Bridge = NewBridge(s.Server, s.MeetingID, s.VoiceBridge, s.adapter())
		p.OwnsBridge = true
	}
	return NewPublisherEndpoint(p)
}

func (s *Session) buildConsumer(msg v1.Message, bridge *Bridge) *Endpoint {
	p := s.baseParams(msg)
	p.Bridge = bridge
	if s.Mode == ModeVideo {
		p.SourceID = s.Sources.Resolve(s.ResourceID)
	} else {
		p.SourceID = bridge.MediaID()
	}
	return NewConsumerEndpoint(p)
}

func (s *Session) adapter() string {
	if s.MediaServer != "" {
		return s.MediaServer
	}
	return s.Config.VideoMediaServer
}

// ProcessAnswer delegates to the endpoint; a session without one resolves
// without side effects.
func (s *Session) ProcessAnswer(ctx context.Context, descriptor string) error {
	if e := s.currentEndpoint(); e != nil {
		return e.ProcessAnswer(ctx, descriptor)
	}
	return nil
}

// OnIceCandidate buffers or forwards one candidate.
func (s *Session) OnIceCandidate(ctx context.Context, candidate string) error {
	s.mu.Lock()
	e := s.endpoint
	if e == nil {
		s.seed = append(s.seed, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return e.OnIceCandidate(ctx, candidate)
}

// Dtmf relays tones; endpoints without the capability return empty digits.
func (s *Session) Dtmf(ctx context.Context, tones string) (string, error) {
	if e := s.currentEndpoint(); e != nil {
		return e.Dtmf(ctx, tones)
	}
	return "", nil
}

// RestartIce renegotiates ICE, returning the fresh offer or nothing.
func (s *Session) RestartIce(ctx context.Context) (string, error) {
	if e := s.currentEndpoint(); e != nil {
		return e.RestartIce(ctx)
	}
	return "", nil
}

func (s *Session) currentEndpoint() *Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// disconnectUser stops the session because its owner left the meeting,
// then notifies the client with a close frame.
func (s *Session) disconnectUser() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("[Session] Owner left meeting", "key", s.SessionParams.Key, "user_id", s.UserID)
	if err := s.Stop(ctx); err != nil {
		slog.Warn("[Session] Stop after user-left failed", "key", s.SessionParams.Key, "error", err)
	}

	if err := s.Frames.PublishFrame(ctx, v1.Frame{
		ID:           v1.FrameClose,
		ConnectionID: s.ConnectionID,
	}); err != nil {
		slog.Warn("[Session] Close frame publish failed", "key", s.SessionParams.Key, "error", err)
	}
	if s.OnFatal != nil {
		s.OnFatal()
	}
}

// handleServerOffline fails the session after the MCS link is lost: the
// client hears MEDIA_SERVER_OFFLINE and the session closes on its own
// lifecycle queue.
func (s *Session) handleServerOffline() {
	s.mu.Lock()
	if s.status == StatusStopping || s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	slog.Warn("[Session] Media server offline", "key", s.SessionParams.Key)
	if s.OnError != nil {
		s.OnError("event", ErrMediaServerOffline)
	}
	if s.OnFatal != nil {
		s.OnFatal()
	}
}

// Stop tears the session down: event subscriptions detach, the endpoint
// stops and its slot clears, and a held shared bridge is released.
// Idempotent; stop is best-effort because the client may have vanished.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	endpoint := s.endpoint
	s.endpoint = nil
	bridge := s.bridge
	s.bridge = nil
	subs := s.subs
	s.subs = nil
	s.seed = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	if endpoint != nil {
		if err := endpoint.Stop(ctx); err != nil {
			slog.Warn("[Session] Endpoint stop failed", "key", s.SessionParams.Key, "error", err)
		}
	}

	if bridge != nil {
		s.Registry.Release(s.MeetingID)
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.mu.Unlock()

	slog.Info("[Session] Stopped", "key", s.SessionParams.Key)
	return nil
}
