package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PermissionOracle answers synchronous authorization queries against
// meeting state. A nil error means the action is allowed.
type PermissionOracle interface {
	// CanBroadcast reports whether the user may publish camera cameraID.
	CanBroadcast(ctx context.Context, meetingID, userID, cameraID string) error
	// CanSubscribe reports whether the user may view camera cameraID.
	CanSubscribe(ctx context.Context, meetingID, userID, cameraID string) error
	// CanSpeak reports whether the user may send audio on the voice bridge.
	CanSpeak(ctx context.Context, meetingID, userID, voiceBridge string) error
}

// ErrDenied is returned for a refused permission query.
var ErrDenied = fmt.Errorf("permission denied by meeting state")

// Permission hash fields written by the conferencing app under
// "sfu:permissions:<meetingID>:<userID>".
const (
	permBroadcast = "broadcast"
	permSubscribe = "subscribe"
	permSpeak     = "speak"
)

// RedisOracle reads permission state that the conferencing app mirrors
// into the bus store. A missing field means the meeting has not restricted
// the action; only an explicit "0"/"false" denies.
type RedisOracle struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewRedisOracle creates an oracle over the bus client's connection.
func NewRedisOracle(c *Client) *RedisOracle {
	return &RedisOracle{rdb: c.rdb, timeout: 2 * time.Second}
}

func (o *RedisOracle) query(ctx context.Context, meetingID, userID, field string) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	key := fmt.Sprintf("sfu:permissions:%s:%s", meetingID, userID)
	val, err := o.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("permission lookup failed: %w", err)
	}
	if val == "0" || val == "false" {
		return ErrDenied
	}
	return nil
}

// CanBroadcast implements PermissionOracle.
func (o *RedisOracle) CanBroadcast(ctx context.Context, meetingID, userID, cameraID string) error {
	return o.query(ctx, meetingID, userID, permBroadcast)
}

// CanSubscribe implements PermissionOracle.
func (o *RedisOracle) CanSubscribe(ctx context.Context, meetingID, userID, cameraID string) error {
	return o.query(ctx, meetingID, userID, permSubscribe)
}

// CanSpeak implements PermissionOracle.
func (o *RedisOracle) CanSpeak(ctx context.Context, meetingID, userID, voiceBridge string) error {
	return o.query(ctx, meetingID, userID, permSpeak)
}

var _ PermissionOracle = (*RedisOracle)(nil)
