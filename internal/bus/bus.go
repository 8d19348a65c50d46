// Package bus is the in-process publish/subscribe channel between
// components. Messages are notifications: listeners re-read whatever state
// they care about instead of trusting the payload.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
)

// Topics.
const (
	// TopicRegistryChanged fires after an observer's registry changed.
	TopicRegistryChanged = "registry.changed"
	// TopicCollectorUpdated fires when collector profile data changed
	// elsewhere, e.g. a new vehicle number.
	TopicCollectorUpdated = "collector.updated"
)

// Notification is one delivered message.
type Notification struct {
	ID      string
	Topic   string
	Payload []byte
}

// Decode unmarshals the payload into v.
func (n Notification) Decode(v any) error {
	return json.Unmarshal(n.Payload, v)
}

// Bus wraps a watermill GoChannel.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    zerolog.Logger
}

// New returns a bus. Each subscriber buffers up to 64 messages.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewSlogLogger(logging.NewSlogAt(slog.LevelWarn)),
		),
		log: logging.Component("bus"),
	}
}

// Notify publishes payload (JSON encoded, may be nil) without waiting for
// listeners.
func (b *Bus) Notify(topic string, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", topic, err)
		}
	}
	msg := message.NewMessage(uuid.NewString(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns notifications for topic until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Notification, error) {
	msgs, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			n := Notification{ID: msg.UUID, Topic: topic, Payload: msg.Payload}
			select {
			case out <- n:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down and closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
