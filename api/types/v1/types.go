// Package types defines the wire schema shared between the SFU core and
// conferencing clients on the message bus.
package types

// Inbound message identifiers recognized by the SFU manager.
const (
	MessageStart            = "start"
	MessageSubscriberAnswer = "subscriberAnswer"
	MessageStop             = "stop"
	MessageOnIceCandidate   = "onIceCandidate"
	MessageRestartIce       = "restartIce"
	MessageDtmf             = "dtmf"
	MessageClose            = "close"
	MessageError            = "error"
)

// Roles a client may request on start.
const (
	RoleShare    = "share"    // video publisher
	RoleViewer   = "viewer"   // video subscriber
	RoleSendRecv = "sendrecv" // bidirectional audio
	RoleRecvOnly = "recvonly" // listen-only audio
)

// Message is an inbound request from a client, as published on the bus.
type Message struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName,omitempty"`
	MeetingID    string `json:"meetingId"`
	RoomID       string `json:"roomId,omitempty"`
	VoiceBridge  string `json:"voiceBridge"`
	Role         string `json:"role"`

	// start (video)
	CameraID string `json:"cameraId,omitempty"`
	// start (audio)
	CallerID  string `json:"callerId,omitempty"`
	Extension string `json:"extension,omitempty"`

	SDPOffer    string `json:"sdpOffer,omitempty"`
	Bitrate     int    `json:"bitrate,omitempty"`
	Record      *bool  `json:"record,omitempty"`
	MediaServer string `json:"mediaServer,omitempty"`

	// subscriberAnswer
	Answer string `json:"answer,omitempty"`
	// onIceCandidate
	Candidate string `json:"candidate,omitempty"`
	// dtmf
	Tones string `json:"tones,omitempty"`

	// Optional user-info header forwarded by the frontend gateway.
	Header string `json:"header,omitempty"`
}

// Outbound frame types published on the client-facing channel.
const (
	FrameStartResponse = "startResponse"
	FrameIceCandidate  = "iceCandidate"
	FrameIceRestarted  = "iceRestarted"
	FrameAudioSuccess  = "webRTCAudioSuccess"
	FrameAudioError    = "webRTCAudioError"
	FrameVideoError    = "videoError"
	FrameClose         = "close"
)

// FrameError carries a catalogue error to the client.
type FrameError struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// Frame is an outbound message to a client.
type Frame struct {
	ID           string      `json:"id"`
	Type         string      `json:"type,omitempty"`
	ConnectionID string      `json:"connectionId"`
	Role         string      `json:"role,omitempty"`
	CameraID     string      `json:"cameraId,omitempty"`
	CallerID     string      `json:"callerId,omitempty"`
	SDPAnswer    string      `json:"sdpAnswer,omitempty"`
	Candidate    string      `json:"candidate,omitempty"`
	Offer        string      `json:"offer,omitempty"`
	Success      string      `json:"success,omitempty"`
	Error        *FrameError `json:"error,omitempty"`
}

// UserInfoHeader is the parsed form of Message.Header.
type UserInfoHeader struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	MeetingID string `json:"meetingId"`
}
