package bus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// RedisTransport relays envelopes over a Redis pub/sub channel, encoded as CBOR.
type RedisTransport struct {
	client  *redis.Client
	channel string
	enc     cbor.EncMode
	dec     cbor.DecMode
}

// OpenRedis parses rawURL and pings the server.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

func NewRedisTransport(client *redis.Client, channel string) (*RedisTransport, error) {
	enc, dec, err := codec()
	if err != nil {
		return nil, err
	}
	if channel == "" {
		channel = "LYNC_MOS_EVENTS"
	}
	return &RedisTransport{client: client, channel: channel, enc: enc, dec: dec}, nil
}

func codec() (cbor.EncMode, cbor.DecMode, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return enc, dec, nil
}

func (t *RedisTransport) encode(env Envelope) ([]byte, error) {
	return t.enc.Marshal(env)
}

func (t *RedisTransport) decode(data []byte) (Envelope, error) {
	var env Envelope
	err := t.dec.Unmarshal(data, &env)
	return env, err
}

func (t *RedisTransport) Send(ctx context.Context, env Envelope) error {
	data, err := t.encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return t.client.Publish(ctx, t.channel, data).Err()
}

func (t *RedisTransport) Listen(ctx context.Context, deliver func(Envelope)) error {
	sub := t.client.Subscribe(ctx, t.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", t.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis channel %s closed", t.channel)
			}
			env, err := t.decode([]byte(msg.Payload))
			if err != nil {
				continue
			}
			deliver(env)
		}
	}
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
