// Package mcs is the typed facade over the Media Control Server, the
// process that owns the actual RTP endpoints and bridges to the softswitch.
package mcs

import "context"

// MediaServer abstracts the Media Control Server RPC surface.
// Implementations: Client (WebSocket JSON), test fakes.
//
// All calls may suspend; callers must not hold state locks across them.
type MediaServer interface {
	// WaitForConnection blocks until the MCS link is up or ctx expires.
	// Returns false if the server is unreachable.
	WaitForConnection(ctx context.Context) bool

	// Join enters a room and returns the MCS-side user id.
	Join(ctx context.Context, room string, opts JoinOptions) (string, error)

	// Publish allocates a send endpoint. For WebRTC endpoints the returned
	// descriptor is the SDP answer to the offer in opts. Re-publishing with
	// an existing media id renegotiates in place.
	Publish(ctx context.Context, userID, room string, typ MediaType, opts PublishOptions) (mediaID, answer string, err error)

	// Subscribe allocates a receive endpoint attached to sourceID.
	Subscribe(ctx context.Context, userID, room, sourceID string, typ MediaType, opts SubscribeOptions) (mediaID, answer string, err error)

	// Consume attaches sinkID to sourceID and returns the negotiated descriptor.
	Consume(ctx context.Context, sourceID, sinkID string, kind MediaKind) (mediaID, answer string, err error)

	// Connect pipes media from sourceID into sinkID.
	Connect(ctx context.Context, sourceID, sinkID string, kind MediaKind) error

	// ProcessAnswer delivers a client's SDP answer for a subscribe negotiation.
	ProcessAnswer(ctx context.Context, mediaID, answer string) error

	// AddIceCandidate trickles one client candidate into an endpoint.
	AddIceCandidate(ctx context.Context, mediaID, candidate string) error

	// RestartIce renegotiates ICE and returns the fresh offer.
	RestartIce(ctx context.Context, mediaID string) (string, error)

	// Dtmf relays tones through an audio endpoint and returns the accepted digits.
	Dtmf(ctx context.Context, mediaID, tones string) (string, error)

	// Unpublish releases an endpoint. Best-effort on teardown paths.
	Unpublish(ctx context.Context, userID, mediaID string) error

	// Leave exits a room, releasing any auto-leave endpoints.
	Leave(ctx context.Context, room, userID string) error

	// OnMediaEvent registers a handler for MEDIA_STATE / MEDIA_STATE_ICE
	// events filtered to one media id.
	OnMediaEvent(mediaID string, fn func(MediaEvent)) Subscription

	// OnDisconnect registers a handler for loss of the MCS link.
	OnDisconnect(fn func()) Subscription
}
