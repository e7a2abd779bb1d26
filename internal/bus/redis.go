package bus

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"
)

const channelPrefix = "cipherchat:push:"

// Redis fans pushes out through redis pub/sub so that any server instance
// holding the recipient's socket can deliver it.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return NewRedis(rdb), nil
}

func channelFor(userID string) string {
	return channelPrefix + userID
}

func (r *Redis) Publish(ctx context.Context, userID string, payload []byte) error {
	return errors.Wrap(r.rdb.Publish(ctx, channelFor(userID), payload).Err(), "redis publish")
}

func (r *Redis) Subscribe(ctx context.Context, h Handler) error {
	ps := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return errors.Wrap(err, "redis subscribe")
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					jww.WARN.Printf("[BUS] redis subscription closed")
					return
				}
				userID := strings.TrimPrefix(msg.Channel, channelPrefix)
				h(userID, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
