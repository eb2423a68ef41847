package sfu

import (
	"fmt"

	v1 "github.com/voxmeet/sfu/api/types/v1"
)

// MediaMode selects which media type a manager serves.
type MediaMode string

const (
	ModeAudio MediaMode = "audio"
	ModeVideo MediaMode = "video"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus int

const (
	StatusStarting SessionStatus = iota
	StatusStarted
	StatusStopping
	StatusStopped
)

// String returns the string representation of SessionStatus.
func (s SessionStatus) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusStarted:
		return "STARTED"
	case StatusStopping:
		return "STOPPING"
	case StatusStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Ready reports whether the session accepts negotiation traffic.
func (s SessionStatus) Ready() bool {
	return s == StatusStarting || s == StatusStarted
}

// SessionKey builds the canonical composite key for the session table
// and all queue lookups.
func SessionKey(userID, resourceID, role string) string {
	return userID + "-" + resourceID + "-" + role
}

// resourceID derives the session resource from a message: the camera for
// video, the voice bridge for audio.
func (m MediaMode) resourceID(msg v1.Message) string {
	if m == ModeVideo {
		return msg.CameraID
	}
	return msg.VoiceBridge
}

// publisherRole reports whether role carries publish authorization for
// this media type. Unknown roles are rejected elsewhere.
func (m MediaMode) publisherRole(role string) bool {
	if m == ModeVideo {
		return role == v1.RoleShare
	}
	return role == v1.RoleSendRecv
}

// validRole reports whether role belongs to this media type at all.
func (m MediaMode) validRole(role string) bool {
	if m == ModeVideo {
		return role == v1.RoleShare || role == v1.RoleViewer
	}
	return role == v1.RoleSendRecv || role == v1.RoleRecvOnly
}
