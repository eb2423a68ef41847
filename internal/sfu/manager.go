package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	v1 "github.com/voxmeet/sfu/api/types/v1"
	"github.com/voxmeet/sfu/internal/bus"
	"github.com/voxmeet/sfu/internal/config"
	"github.com/voxmeet/sfu/internal/mcs"
)

// startTimeout bounds one full negotiation with the MCS.
const startTimeout = 30 * time.Second

// maxPendingCandidates bounds the per-key early-candidate buffer held
// before any session exists.
const maxPendingCandidates = 64

// ManagerParams carries the collaborators for one media manager.
type ManagerParams struct {
	Mode     MediaMode
	Config   *config.Config
	Server   mcs.MediaServer
	Frames   bus.Publisher
	Events   bus.MeetingEvents
	Oracle   bus.PermissionOracle
	Registry *BridgeRegistry
	Sources  *SourceRegistry
	// Metrics defaults to the process-wide registerer when nil.
	Metrics prometheus.Registerer
}

// Manager owns every session of one media type. Inbound bus messages are
// dispatched here; lifecycle commands for a session key run serialized on
// that key's queue, while candidate and renegotiation traffic is routed
// directly to the live session.
type Manager struct {
	ManagerParams

	queues  *queueSet
	metrics *metrics

	mu          sync.Mutex
	sessions    map[string]*Session
	pendingICE  map[string][]string
	connections map[string]map[string]struct{} // connection id -> session keys

	camSub bus.Subscription
}

// NewManager builds a manager and, in video mode, starts tracking external
// camera broadcasts for source resolution.
func NewManager(p ManagerParams) *Manager {
	m := &Manager{
		ManagerParams: p,
		sessions:      make(map[string]*Session),
		pendingICE:    make(map[string][]string),
		connections:   make(map[string]map[string]struct{}),
	}
	m.queues = newQueueSet(nil)
	m.metrics = newMetrics(p.Metrics, p.Mode, m.sessionCount)

	if p.Mode == ModeVideo && p.Events != nil {
		m.camSub = p.Events.OnCamBroadcastStarted(func(ev bus.MeetingEvent) {
			if strings.HasPrefix(ev.UserID, ExternalSourcePrefix) {
				m.Sources.Register(ev.Stream, ev.UserID)
			}
		})
	}
	return m
}

// OnMessage is the bus entry point. It validates the envelope and routes
// by message id. Lifecycle commands serialize per session key; candidate
// and ICE-restart traffic bypasses the queue.
func (m *Manager) OnMessage(msg v1.Message) {
	m.metrics.requests.Inc()

	if err := m.checkHeader(msg); err != nil {
		m.reportError("header", msg, err)
		return
	}

	key := m.sessionKey(msg)

	switch msg.ID {
	case v1.MessageStart:
		m.enqueue(key, "start", msg, func() error { return m.handleStart(key, msg) })
	case v1.MessageSubscriberAnswer:
		m.enqueue(key, "subscriberAnswer", msg, func() error { return m.handleSubscriberAnswer(key, msg) })
	case v1.MessageStop:
		m.enqueue(key, "stop", msg, func() error { return m.closeSession(key) })
	case v1.MessageDtmf:
		m.enqueue(key, "dtmf", msg, func() error { return m.handleDtmf(key, msg) })
	case v1.MessageOnIceCandidate:
		m.handleIceCandidate(key, msg)
	case v1.MessageRestartIce:
		go m.handleRestartIce(key, msg)
	case v1.MessageClose:
		m.killConnectionSessions(msg.ConnectionID)
	case v1.MessageError:
		slog.Warn("[Manager] Client error report",
			"mode", m.Mode,
			"connection_id", msg.ConnectionID,
			"user_id", msg.UserID,
		)
	default:
		slog.Warn("[Manager] Unknown message", "mode", m.Mode, "id", msg.ID)
		m.reportError(msg.ID, msg, ErrInvalidRequest)
	}
}

// enqueue puts a client lifecycle command on the key's queue; rejection
// (queue full) surfaces to the client as an invalid request.
func (m *Manager) enqueue(key, name string, msg v1.Message, fn func() error) {
	if err := m.queues.enqueue(key, name, fn); err != nil {
		slog.Warn("[Manager] Lifecycle queue rejected", "mode", m.Mode, "key", key, "task", name, "error", err)
		m.reportError(name, msg, ErrInvalidRequest)
	}
}

// enqueueClose schedules an internal close for a key. Rejection is only
// logged; the session is being torn down regardless of the client.
func (m *Manager) enqueueClose(key string) {
	if err := m.queues.enqueue(key, "close", func() error { return m.closeSession(key) }); err != nil {
		slog.Warn("[Manager] Close task rejected", "mode", m.Mode, "key", key, "error", err)
	}
}

// checkHeader enforces the gateway user-info header when strict parsing is
// on: a present header must parse and must match the message identity.
func (m *Manager) checkHeader(msg v1.Message) error {
	if !m.Config.WSStrictHeaderParsing || msg.Header == "" {
		return nil
	}
	var h v1.UserInfoHeader
	if err := json.Unmarshal([]byte(msg.Header), &h); err != nil {
		return ErrInvalidRequest
	}
	if h.UserID != msg.UserID || h.MeetingID != msg.MeetingID {
		slog.Warn("[Manager] Header identity mismatch",
			"mode", m.Mode,
			"connection_id", msg.ConnectionID,
			"header_user", h.UserID,
			"message_user", msg.UserID,
		)
		return ErrInvalidRequest
	}
	return nil
}

func (m *Manager) sessionKey(msg v1.Message) string {
	return SessionKey(msg.UserID, m.Mode.resourceID(msg), msg.Role)
}

// handleStart runs on the key's lifecycle queue. A live session under the
// same key is replaced: the old one stops fully before the new one builds.
func (m *Manager) handleStart(key string, msg v1.Message) error {
	if msg.SDPOffer == "" || msg.UserID == "" || msg.ConnectionID == "" {
		m.reportError("start", msg, ErrInvalidRequest)
		return fmt.Errorf("malformed start for %s", key)
	}

	if old := m.lookup(key); old != nil {
		slog.Info("[Manager] Replacing session", "mode", m.Mode, "key", key)
		if err := m.closeSession(key); err != nil {
			slog.Warn("[Manager] Stale session close failed", "mode", m.Mode, "key", key, "error", err)
		}
	}

	session := NewSession(SessionParams{
		Key:          key,
		ConnectionID: msg.ConnectionID,
		MeetingID:    msg.MeetingID,
		UserID:       msg.UserID,
		Role:         msg.Role,
		ResourceID:   m.Mode.resourceID(msg),
		VoiceBridge:  msg.VoiceBridge,
		MediaServer:  msg.MediaServer,
		Mode:         m.Mode,
		Server:       m.Server,
		Frames:       m.Frames,
		Events:       m.Events,
		Oracle:       m.Oracle,
		Registry:     m.Registry,
		Sources:      m.Sources,
		Config:       m.Config,
		OnError: func(method string, serr *SFUError) {
			m.reportError(method, msg, serr)
		},
		OnFatal: func() {
			m.enqueueClose(key)
		},
	})

	// The table insert and the early-candidate transfer happen in one
	// critical section: a candidate routed to the new session can only
	// arrive after the buffered ones are already seeded.
	m.mu.Lock()
	m.sessions[key] = session
	if m.connections[msg.ConnectionID] == nil {
		m.connections[msg.ConnectionID] = make(map[string]struct{})
	}
	m.connections[msg.ConnectionID][key] = struct{}{}
	session.SeedCandidates(m.pendingICE[key])
	delete(m.pendingICE, key)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	answer, err := session.Start(ctx, msg)
	if err != nil {
		m.remove(key, session)
		_ = session.Stop(ctx)
		if errors.Is(err, errSessionClosed) {
			return nil
		}
		m.reportError("start", msg, err)
		return fmt.Errorf("start %s: %w", key, err)
	}

	frame := v1.Frame{
		ID:           v1.FrameStartResponse,
		Type:         string(m.Mode),
		ConnectionID: msg.ConnectionID,
		Role:         msg.Role,
		SDPAnswer:    answer,
	}
	if m.Mode == ModeVideo {
		frame.CameraID = msg.CameraID
	} else {
		frame.CallerID = msg.CallerID
	}
	return m.Frames.PublishFrame(ctx, frame)
}

// handleSubscriberAnswer runs on the lifecycle queue; an answer with no
// live session resolves silently.
func (m *Manager) handleSubscriberAnswer(key string, msg v1.Message) error {
	session := m.lookup(key)
	if session == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := session.ProcessAnswer(ctx, msg.Answer); err != nil {
		m.reportError("subscriberAnswer", msg, err)
		return fmt.Errorf("subscriberAnswer %s: %w", key, err)
	}
	return nil
}

// handleIceCandidate routes a candidate to its session, or buffers it for
// a start that has not arrived yet.
func (m *Manager) handleIceCandidate(key string, msg v1.Message) {
	m.mu.Lock()
	session := m.sessions[key]
	if session == nil {
		if len(m.pendingICE[key]) < maxPendingCandidates {
			m.pendingICE[key] = append(m.pendingICE[key], msg.Candidate)
		}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.OnIceCandidate(ctx, msg.Candidate); err != nil {
		slog.Warn("[Manager] Candidate relay failed", "mode", m.Mode, "key", key, "error", err)
	}
}

func (m *Manager) handleRestartIce(key string, msg v1.Message) {
	session := m.lookup(key)
	if session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	offer, err := session.RestartIce(ctx)
	if err != nil {
		m.reportError("restartIce", msg, err)
		return
	}
	if offer == "" {
		return
	}
	if err := m.Frames.PublishFrame(ctx, v1.Frame{
		ID:           v1.FrameIceRestarted,
		ConnectionID: msg.ConnectionID,
		Role:         msg.Role,
		Offer:        offer,
	}); err != nil {
		slog.Warn("[Manager] Restart frame publish failed", "mode", m.Mode, "key", key, "error", err)
	}
}

func (m *Manager) handleDtmf(key string, msg v1.Message) error {
	session := m.lookup(key)
	if session == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := session.Dtmf(ctx, msg.Tones); err != nil {
		m.reportError("dtmf", msg, err)
		return fmt.Errorf("dtmf %s: %w", key, err)
	}
	return nil
}

// closeSession runs on the lifecycle queue: it detaches the session from
// the table and stops it. Closing an absent key is a no-op.
func (m *Manager) closeSession(key string) error {
	m.mu.Lock()
	session := m.sessions[key]
	delete(m.sessions, key)
	delete(m.pendingICE, key)
	if session != nil {
		if keys := m.connections[session.ConnectionID]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.connections, session.ConnectionID)
			}
		}
	}
	m.mu.Unlock()

	if session == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return session.Stop(ctx)
}

// killConnectionSessions schedules a close for every session owned by a
// client connection. Used when the signaling socket drops.
func (m *Manager) killConnectionSessions(connectionID string) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.connections[connectionID]))
	for key := range m.connections[connectionID] {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.enqueueClose(key)
	}
}

// reportError normalizes a failure, counts it and tells the client.
func (m *Manager) reportError(method string, msg v1.Message, err error) {
	serr := NormalizeError(err)
	m.metrics.observeError(method, serr.Code)

	slog.Warn("[Manager] Request failed",
		"mode", m.Mode,
		"method", method,
		"connection_id", msg.ConnectionID,
		"user_id", msg.UserID,
		"code", serr.Code,
		"reason", serr.Reason,
	)

	frameID := v1.FrameAudioError
	if m.Mode == ModeVideo {
		frameID = v1.FrameVideoError
	}
	frame := v1.Frame{
		ID:           frameID,
		Type:         string(m.Mode),
		ConnectionID: msg.ConnectionID,
		Role:         msg.Role,
		Error:        &v1.FrameError{Code: serr.Code, Reason: serr.Reason},
	}
	if m.Mode == ModeVideo {
		frame.CameraID = msg.CameraID
	} else {
		frame.CallerID = msg.CallerID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Frames.PublishFrame(ctx, frame); err != nil {
		slog.Warn("[Manager] Error frame publish failed", "mode", m.Mode, "error", err)
	}
}

func (m *Manager) lookup(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *Manager) remove(key string, session *Session) {
	m.mu.Lock()
	if m.sessions[key] == session {
		delete(m.sessions, key)
		if keys := m.connections[session.ConnectionID]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.connections, session.ConnectionID)
			}
		}
	}
	m.mu.Unlock()
}

func (m *Manager) sessionCount() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(len(m.sessions))
}

// SessionFor returns the live session for a key. Test hook.
func (m *Manager) SessionFor(key string) *Session {
	return m.lookup(key)
}

// Close schedules every live session for teardown and waits for the
// lifecycle queues to drain.
func (m *Manager) Close() {
	if m.camSub != nil {
		m.camSub.Unsubscribe()
	}

	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for key := range m.sessions {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.enqueueClose(key)
	}
	m.queues.wait()

	slog.Info("[Manager] Closed", "mode", m.Mode)
}
