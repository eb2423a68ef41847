package sfu

import (
	"github.com/pion/sdp/v3"
)

// applyBandwidth caps every media section of a descriptor at kbps using
// AS/TIAS bandwidth lines. A non-positive cap or an unparseable
// descriptor leaves it untouched.
func applyBandwidth(descriptor string, kbps int) string {
	if kbps <= 0 || descriptor == "" {
		return descriptor
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(descriptor)); err != nil {
		return descriptor
	}

	for _, m := range desc.MediaDescriptions {
		m.Bandwidth = []sdp.Bandwidth{
			{Type: "AS", Bandwidth: uint64(kbps)},
			{Type: "TIAS", Bandwidth: uint64(kbps) * 1000},
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return descriptor
	}
	return string(out)
}

// effectiveBitrate picks the client's requested bitrate bounded by the
// media-spec cap. Zero means no cap requested anywhere.
func effectiveBitrate(requested, specCap int) int {
	switch {
	case requested <= 0:
		return specCap
	case specCap <= 0:
		return requested
	case requested < specCap:
		return requested
	default:
		return specCap
	}
}
