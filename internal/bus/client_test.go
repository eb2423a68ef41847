package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	v1 "github.com/voxmeet/sfu/api/types/v1"
)

func newTestBus(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	c, err := NewClient(context.Background(), Config{
		Addr:                 mr.Addr(),
		ToClientChannel:      "from-sfu",
		MeetingEventsChannel: "from-akka-apps",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return mr, c
}

// publishUntil retries a publish until received reports delivery; pub-sub
// registration inside the client is asynchronous.
func publishUntil(t *testing.T, mr *miniredis.Miniredis, channel, payload string, received func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !received() {
		mr.Publish(channel, payload)
		select {
		case <-deadline:
			t.Fatalf("message on %s never delivered", channel)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestClientConnectFailure(t *testing.T) {
	_, err := NewClient(context.Background(), Config{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("NewClient succeeded against a dead address")
	}
}

func TestSubscribeMessagesDelivery(t *testing.T) {
	mr, c := newTestBus(t)

	var got atomic.Value
	c.SubscribeMessages(context.Background(), "to-sfu-video", func(msg v1.Message) {
		got.Store(msg)
	})

	payload := `{"id":"start","connectionId":"conn-1","userId":"user-1","role":"share"}`
	publishUntil(t, mr, "to-sfu-video", payload, func() bool { return got.Load() != nil })

	msg := got.Load().(v1.Message)
	if msg.ID != "start" || msg.ConnectionID != "conn-1" || msg.Role != "share" {
		t.Errorf("message = %+v", msg)
	}
}

func TestSubscribeMessagesSkipsMalformed(t *testing.T) {
	mr, c := newTestBus(t)

	var count atomic.Int64
	c.SubscribeMessages(context.Background(), "to-sfu-audio", func(msg v1.Message) {
		count.Add(1)
	})

	// Malformed first; a valid message after it proves the loop survived.
	publishUntil(t, mr, "to-sfu-audio", `{"id":"start"`, func() bool {
		mr.Publish("to-sfu-audio", `{"id":"start"}`)
		return count.Load() > 0
	})
}

func TestPublishFrame(t *testing.T) {
	mr, c := newTestBus(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	sub := rdb.Subscribe(context.Background(), "from-sfu")
	defer sub.Close()
	ch := sub.Channel()

	frame := v1.Frame{
		ID:           v1.FrameStartResponse,
		ConnectionID: "conn-1",
		SDPAnswer:    "answer",
	}

	deadline := time.After(3 * time.Second)
	for {
		if err := c.PublishFrame(context.Background(), frame); err != nil {
			t.Fatalf("PublishFrame: %v", err)
		}
		select {
		case raw := <-ch:
			var got v1.Frame
			if err := json.Unmarshal([]byte(raw.Payload), &got); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if got.ID != v1.FrameStartResponse || got.SDPAnswer != "answer" {
				t.Errorf("frame = %+v", got)
			}
			return
		case <-deadline:
			t.Fatal("frame never arrived on the client channel")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOnUserLeftDispatch(t *testing.T) {
	mr, c := newTestBus(t)

	var fired atomic.Int64
	sub := c.OnUserLeft("meeting-1", "user-1", func() { fired.Add(1) })
	defer sub.Unsubscribe()

	// Another user's departure must not fire the handler.
	other := `{"name":"UserLeftMeetingEvtMsg","meetingId":"meeting-1","userId":"someone-else"}`
	mine := `{"name":"UserLeftMeetingEvtMsg","meetingId":"meeting-1","userId":"user-1"}`

	publishUntil(t, mr, "from-akka-apps", mine, func() bool { return fired.Load() > 0 })
	mr.Publish("from-akka-apps", other)
	time.Sleep(50 * time.Millisecond)

	before := fired.Load()
	sub.Unsubscribe()
	mr.Publish("from-akka-apps", mine)
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != before {
		t.Error("handler fired after Unsubscribe")
	}
}

func TestOnCamBroadcastStartedDispatch(t *testing.T) {
	mr, c := newTestBus(t)

	var got atomic.Value
	sub := c.OnCamBroadcastStarted(func(ev MeetingEvent) { got.Store(ev) })
	defer sub.Unsubscribe()

	payload := `{"name":"UserBroadcastCamStartedEvtMsg","meetingId":"meeting-1","userId":"v_dialin","stream":"v_s1|SIP"}`
	publishUntil(t, mr, "from-akka-apps", payload, func() bool { return got.Load() != nil })

	ev := got.Load().(MeetingEvent)
	if ev.Stream != "v_s1|SIP" || ev.UserID != "v_dialin" {
		t.Errorf("event = %+v", ev)
	}
}

func TestOracleDefaultsToAllow(t *testing.T) {
	_, c := newTestBus(t)
	oracle := NewRedisOracle(c)
	ctx := context.Background()

	if err := oracle.CanBroadcast(ctx, "meeting-1", "user-1", "cam-1"); err != nil {
		t.Errorf("CanBroadcast with no state = %v, want nil", err)
	}
	if err := oracle.CanSpeak(ctx, "meeting-1", "user-1", "70001"); err != nil {
		t.Errorf("CanSpeak with no state = %v, want nil", err)
	}
}

func TestOracleExplicitDeny(t *testing.T) {
	mr, c := newTestBus(t)
	oracle := NewRedisOracle(c)
	ctx := context.Background()

	mr.HSet("sfu:permissions:meeting-1:user-1", "broadcast", "0")
	mr.HSet("sfu:permissions:meeting-1:user-1", "subscribe", "true")

	if err := oracle.CanBroadcast(ctx, "meeting-1", "user-1", "cam-1"); err != ErrDenied {
		t.Errorf("CanBroadcast = %v, want ErrDenied", err)
	}
	if err := oracle.CanSubscribe(ctx, "meeting-1", "user-1", "cam-1"); err != nil {
		t.Errorf("CanSubscribe = %v, want nil", err)
	}
}
