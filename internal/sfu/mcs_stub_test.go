package sfu

import (
	"context"
	"fmt"
	"sync"

	v1 "github.com/voxmeet/sfu/api/types/v1"
	"github.com/voxmeet/sfu/internal/bus"
	"github.com/voxmeet/sfu/internal/mcs"
)

// fakeMediaServer is an in-memory MediaServer that records every call and
// lets tests inject failures and fire media events.
type fakeMediaServer struct {
	mu sync.Mutex

	offline bool
	seq     int

	joinErr      error
	publishErr   error
	subscribeErr error
	consumeErr   error

	// publishEntered/publishRelease, when set, gate Publish so tests can
	// interleave other work mid-negotiation.
	publishEntered chan struct{}
	publishRelease chan struct{}

	joins       []string // room
	publishes   []string // media ids handed out
	subscribes  []string
	unpublishes []string
	leaves      []string
	candidates  []string // "<mediaID>:<candidate>" in delivery order
	answers     []string
	dtmfTones   []string

	handlerSeq    uint64
	mediaHandlers map[string]map[uint64]func(mcs.MediaEvent)
	discHandlers  map[uint64]func()
}

func newFakeMediaServer() *fakeMediaServer {
	return &fakeMediaServer{
		mediaHandlers: make(map[string]map[uint64]func(mcs.MediaEvent)),
		discHandlers:  make(map[uint64]func()),
	}
}

func (f *fakeMediaServer) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeMediaServer) WaitForConnection(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

func (f *fakeMediaServer) Join(ctx context.Context, room string, opts mcs.JoinOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return "", f.joinErr
	}
	f.joins = append(f.joins, room)
	return f.nextID("user"), nil
}

func (f *fakeMediaServer) Publish(ctx context.Context, userID, room string, typ mcs.MediaType, opts mcs.PublishOptions) (string, string, error) {
	f.mu.Lock()
	entered, release := f.publishEntered, f.publishRelease
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return "", "", f.publishErr
	}
	id := f.nextID("pub")
	f.publishes = append(f.publishes, id)
	return id, "answer-" + id, nil
}

func (f *fakeMediaServer) Subscribe(ctx context.Context, userID, room, sourceID string, typ mcs.MediaType, opts mcs.SubscribeOptions) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return "", "", f.subscribeErr
	}
	id := f.nextID("sub")
	f.subscribes = append(f.subscribes, sourceID)
	return id, "answer-" + id, nil
}

func (f *fakeMediaServer) Consume(ctx context.Context, sourceID, sinkID string, kind mcs.MediaKind) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeErr != nil {
		return "", "", f.consumeErr
	}
	id := f.nextID("consume")
	return id, "answer-" + id, nil
}

func (f *fakeMediaServer) Connect(ctx context.Context, sourceID, sinkID string, kind mcs.MediaKind) error {
	return nil
}

func (f *fakeMediaServer) ProcessAnswer(ctx context.Context, mediaID, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, mediaID+":"+answer)
	return nil
}

func (f *fakeMediaServer) AddIceCandidate(ctx context.Context, mediaID, candidate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, mediaID+":"+candidate)
	return nil
}

func (f *fakeMediaServer) RestartIce(ctx context.Context, mediaID string) (string, error) {
	return "offer-" + mediaID, nil
}

func (f *fakeMediaServer) Dtmf(ctx context.Context, mediaID, tones string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtmfTones = append(f.dtmfTones, tones)
	return tones, nil
}

func (f *fakeMediaServer) Unpublish(ctx context.Context, userID, mediaID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpublishes = append(f.unpublishes, mediaID)
	return nil
}

func (f *fakeMediaServer) Leave(ctx context.Context, room, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, room)
	return nil
}

func (f *fakeMediaServer) OnMediaEvent(mediaID string, fn func(mcs.MediaEvent)) mcs.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlerSeq++
	id := f.handlerSeq
	if f.mediaHandlers[mediaID] == nil {
		f.mediaHandlers[mediaID] = make(map[uint64]func(mcs.MediaEvent))
	}
	f.mediaHandlers[mediaID][id] = fn
	return &fakeSubscription{cancel: func() {
		f.mu.Lock()
		delete(f.mediaHandlers[mediaID], id)
		f.mu.Unlock()
	}}
}

func (f *fakeMediaServer) OnDisconnect(fn func()) mcs.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlerSeq++
	id := f.handlerSeq
	f.discHandlers[id] = fn
	return &fakeSubscription{cancel: func() {
		f.mu.Lock()
		delete(f.discHandlers, id)
		f.mu.Unlock()
	}}
}

// fireMediaEvent delivers an event to the handlers of one media id.
func (f *fakeMediaServer) fireMediaEvent(ev mcs.MediaEvent) {
	f.mu.Lock()
	handlers := make([]func(mcs.MediaEvent), 0, len(f.mediaHandlers[ev.MediaID]))
	for _, fn := range f.mediaHandlers[ev.MediaID] {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// fireDisconnect simulates the MCS link dropping.
func (f *fakeMediaServer) fireDisconnect() {
	f.mu.Lock()
	handlers := make([]func(), 0, len(f.discHandlers))
	for _, fn := range f.discHandlers {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (f *fakeMediaServer) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeMediaServer) candidateLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.candidates))
	copy(out, f.candidates)
	return out
}

type fakeSubscription struct {
	cancel func()
	once   sync.Once
}

func (s *fakeSubscription) Unsubscribe() { s.once.Do(s.cancel) }

var _ mcs.MediaServer = (*fakeMediaServer)(nil)

// frameRecorder collects published frames for assertions.
type frameRecorder struct {
	mu     sync.Mutex
	frames []v1.Frame
}

func (r *frameRecorder) PublishFrame(ctx context.Context, frame v1.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *frameRecorder) all() []v1.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]v1.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

// byID returns published frames with the given frame id.
func (r *frameRecorder) byID(id string) []v1.Frame {
	var out []v1.Frame
	for _, f := range r.all() {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

var _ bus.Publisher = (*frameRecorder)(nil)

// allowAllOracle grants everything.
type allowAllOracle struct{}

func (allowAllOracle) CanBroadcast(ctx context.Context, meetingID, userID, cameraID string) error {
	return nil
}
func (allowAllOracle) CanSubscribe(ctx context.Context, meetingID, userID, cameraID string) error {
	return nil
}
func (allowAllOracle) CanSpeak(ctx context.Context, meetingID, userID, voiceBridge string) error {
	return nil
}

// denyAllOracle refuses everything.
type denyAllOracle struct{}

func (denyAllOracle) CanBroadcast(ctx context.Context, meetingID, userID, cameraID string) error {
	return bus.ErrDenied
}
func (denyAllOracle) CanSubscribe(ctx context.Context, meetingID, userID, cameraID string) error {
	return bus.ErrDenied
}
func (denyAllOracle) CanSpeak(ctx context.Context, meetingID, userID, voiceBridge string) error {
	return bus.ErrDenied
}

// fakeMeetingEvents lets tests fire user-left notifications.
type fakeMeetingEvents struct {
	mu       sync.Mutex
	seq      uint64
	userLeft map[string]map[uint64]func()
	cams     map[uint64]func(bus.MeetingEvent)
}

func newFakeMeetingEvents() *fakeMeetingEvents {
	return &fakeMeetingEvents{
		userLeft: make(map[string]map[uint64]func()),
		cams:     make(map[uint64]func(bus.MeetingEvent)),
	}
}

func (f *fakeMeetingEvents) OnUserLeft(meetingID, userID string, fn func()) bus.Subscription {
	key := meetingID + ":" + userID
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := f.seq
	if f.userLeft[key] == nil {
		f.userLeft[key] = make(map[uint64]func())
	}
	f.userLeft[key][id] = fn
	return &fakeSubscription{cancel: func() {
		f.mu.Lock()
		delete(f.userLeft[key], id)
		f.mu.Unlock()
	}}
}

func (f *fakeMeetingEvents) OnCamBroadcastStarted(fn func(bus.MeetingEvent)) bus.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := f.seq
	f.cams[id] = fn
	return &fakeSubscription{cancel: func() {
		f.mu.Lock()
		delete(f.cams, id)
		f.mu.Unlock()
	}}
}

func (f *fakeMeetingEvents) fireUserLeft(meetingID, userID string) {
	key := meetingID + ":" + userID
	f.mu.Lock()
	handlers := make([]func(), 0, len(f.userLeft[key]))
	for _, fn := range f.userLeft[key] {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (f *fakeMeetingEvents) fireCamBroadcast(ev bus.MeetingEvent) {
	f.mu.Lock()
	handlers := make([]func(bus.MeetingEvent), 0, len(f.cams))
	for _, fn := range f.cams {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

var _ bus.MeetingEvents = (*fakeMeetingEvents)(nil)
