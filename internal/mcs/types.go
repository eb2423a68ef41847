package mcs

// MediaType selects the MCS endpoint flavor allocated by Publish/Subscribe.
type MediaType string

const (
	// MediaTypeWebRTC is a browser-facing endpoint negotiated via SDP offer/answer.
	MediaTypeWebRTC MediaType = "WebRtcEndpoint"
	// MediaTypeRTP is a plain RTP endpoint used for softswitch bridges.
	MediaTypeRTP MediaType = "RtpEndpoint"
)

// MediaKind restricts an operation to a media section.
type MediaKind string

const (
	KindAudio MediaKind = "AUDIO"
	KindVideo MediaKind = "VIDEO"
	KindAll   MediaKind = "ALL"
)

// JoinOptions configures a room join.
type JoinOptions struct {
	ExternalUserID string
	AutoLeave      bool
}

// PublishOptions carries the negotiation parameters for a publish.
type PublishOptions struct {
	DescriptorOffer      string
	Adapter              string
	Kind                 MediaKind
	OverrideRouterCodecs bool
	DedicatedRouter      bool
}

// SubscribeOptions carries the negotiation parameters for a subscribe.
type SubscribeOptions struct {
	DescriptorOffer string
	Adapter         string
	Kind            MediaKind
}

// Media event names delivered on the MEDIA_STATE channel.
const (
	EventMediaStateChanged = "MediaStateChanged"
	EventMediaFlowIn       = "MediaFlowInStateChange"
	EventMediaFlowOut      = "MediaFlowOutStateChange"
	EventOnIceCandidate    = "OnIceCandidate"
	EventServerOffline     = "MEDIA_SERVER_OFFLINE"
)

// Media event details.
const (
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"
	StateFlowing      = "FLOWING"
	StateNotFlowing   = "NOT_FLOWING"
)

// MediaEvent is a state notification for a single media id.
type MediaEvent struct {
	Name      string
	MediaID   string
	Details   string
	Candidate string
}

// Subscription is a handle for an event registration. Unsubscribe is
// idempotent and releases the handler.
type Subscription interface {
	Unsubscribe()
}
