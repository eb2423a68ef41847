package sfu

import (
	"strings"
	"testing"
)

const testOffer = "v=0\r\n" +
	"o=- 20518 0 IN IP4 203.0.113.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 54400 RTP/SAVPF 111\r\n" +
	"c=IN IP4 203.0.113.1\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func TestApplyBandwidthSetsMediaCaps(t *testing.T) {
	out := applyBandwidth(testOffer, 48)

	if !strings.Contains(out, "b=AS:48") {
		t.Errorf("missing AS cap in:\n%s", out)
	}
	if !strings.Contains(out, "b=TIAS:48000") {
		t.Errorf("missing TIAS cap in:\n%s", out)
	}
}

func TestApplyBandwidthZeroIsUntouched(t *testing.T) {
	if got := applyBandwidth(testOffer, 0); got != testOffer {
		t.Error("zero cap modified the descriptor")
	}
}

func TestApplyBandwidthUnparseableIsUntouched(t *testing.T) {
	garbage := "not an sdp"
	if got := applyBandwidth(garbage, 100); got != garbage {
		t.Errorf("unparseable descriptor changed: %q", got)
	}
}

func TestEffectiveBitrate(t *testing.T) {
	cases := []struct {
		requested, cap, want int
	}{
		{0, 300, 300},
		{200, 300, 200},
		{500, 300, 300},
		{200, 0, 200},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := effectiveBitrate(c.requested, c.cap); got != c.want {
			t.Errorf("effectiveBitrate(%d, %d) = %d, want %d", c.requested, c.cap, got, c.want)
		}
	}
}
