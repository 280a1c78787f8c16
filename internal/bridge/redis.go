// Package bridge relays broadcast frames between server instances over a
// Redis pub/sub channel, so clients attached to different instances see the
// same stream.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type relayMessage struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Redis is a hub.Relay backed by one pub/sub channel. Frames published by
// this instance are filtered out on receipt.
type Redis struct {
	rdb      *redis.Client
	channel  string
	instance string
	log      *slog.Logger

	pubsub *redis.PubSub
	frames chan []byte
}

// Open connects to Redis and subscribes to the relay channel. The returned
// bridge delivers frames until ctx is cancelled or Close is called.
func Open(ctx context.Context, addr, channel string, log *slog.Logger) (*Redis, error) {
	if log == nil {
		log = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("bridge: connecting to redis: %w", err)
	}
	b := &Redis{
		rdb:      rdb,
		channel:  channel,
		instance: uuid.NewString(),
		log:      log.With(slog.String("component", "bridge")),
		frames:   make(chan []byte, 64),
	}
	b.pubsub = rdb.Subscribe(ctx, channel)
	go b.receive()
	return b, nil
}

// Publish relays a broadcast frame to sibling instances.
func (b *Redis) Publish(ctx context.Context, frame []byte) error {
	msg, err := json.Marshal(relayMessage{Origin: b.instance, Frame: frame})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, msg).Err()
}

// Frames delivers broadcast frames that originated on other instances.
func (b *Redis) Frames() <-chan []byte {
	return b.frames
}

func (b *Redis) receive() {
	defer close(b.frames)
	for msg := range b.pubsub.Channel() {
		var relay relayMessage
		if err := json.Unmarshal([]byte(msg.Payload), &relay); err != nil {
			b.log.Warn("dropping malformed relay message", slog.Any("error", err))
			continue
		}
		if relay.Origin == b.instance {
			continue
		}
		select {
		case b.frames <- []byte(relay.Frame):
		default:
			b.log.Warn("relay receiver saturated, dropping frame")
		}
	}
}

// Close tears down the subscription and the connection.
func (b *Redis) Close() error {
	b.pubsub.Close()
	return b.rdb.Close()
}
