package sfu

import (
	"context"
	"fmt"
	"testing"

	v1 "github.com/voxmeet/sfu/api/types/v1"
	"github.com/voxmeet/sfu/internal/bus"
)

func TestNormalizeError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want *SFUError
	}{
		{"catalogue passthrough", ErrMediaServerOffline, ErrMediaServerOffline},
		{"wrapped catalogue", fmt.Errorf("start: %w", ErrPermissionDenied), ErrPermissionDenied},
		{"oracle refusal", bus.ErrDenied, ErrPermissionDenied},
		{"deadline", context.DeadlineExceeded, ErrMediaTimeout},
		{"anything else", fmt.Errorf("kaboom"), ErrNegotiationFailed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := NormalizeError(c.err); got != c.want {
				t.Errorf("NormalizeError = %v, want %v", got, c.want)
			}
		})
	}
}

func TestSessionKeyComposition(t *testing.T) {
	if got := SessionKey("u1", "cam-1", "share"); got != "u1-cam-1-share" {
		t.Errorf("SessionKey = %q", got)
	}
}

func TestModeRoles(t *testing.T) {
	if !ModeVideo.validRole(v1.RoleShare) || !ModeVideo.validRole(v1.RoleViewer) {
		t.Error("video rejects its own roles")
	}
	if ModeVideo.validRole(v1.RoleSendRecv) {
		t.Error("video accepts an audio role")
	}
	if !ModeAudio.validRole(v1.RoleRecvOnly) {
		t.Error("audio rejects recvonly")
	}
	if !ModeVideo.publisherRole(v1.RoleShare) || ModeVideo.publisherRole(v1.RoleViewer) {
		t.Error("video publisher role misclassified")
	}
	if !ModeAudio.publisherRole(v1.RoleSendRecv) || ModeAudio.publisherRole(v1.RoleRecvOnly) {
		t.Error("audio publisher role misclassified")
	}
}

func TestModeResourceID(t *testing.T) {
	msg := v1.Message{CameraID: "cam-1", VoiceBridge: "70001"}
	if got := ModeVideo.resourceID(msg); got != "cam-1" {
		t.Errorf("video resource = %q", got)
	}
	if got := ModeAudio.resourceID(msg); got != "70001" {
		t.Errorf("audio resource = %q", got)
	}
}

func TestStatusReady(t *testing.T) {
	if !StatusStarting.Ready() || !StatusStarted.Ready() {
		t.Error("starting/started must be ready")
	}
	if StatusStopping.Ready() || StatusStopped.Ready() {
		t.Error("stopping/stopped must not be ready")
	}
}
