package redisstream

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/livechat/pkg/livechat"
)

// EventSink publishes controller events as JSON watermill messages.
type EventSink struct {
	pub   message.Publisher
	topic string
}

var _ livechat.EventSink = (*EventSink)(nil)

func NewEventSink(pub message.Publisher, topic string) *EventSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &EventSink{pub: pub, topic: topic}
}

func (s *EventSink) Publish(ctx context.Context, ev livechat.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set("kind", string(ev.Kind))
	if ev.SessionID != "" {
		msg.Metadata.Set("session_id", ev.SessionID)
	}
	msg.SetContext(ctx)
	if err := s.pub.Publish(s.topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Kind)
	}
	return nil
}

// Events subscribes to topic and decodes every message into an Event. The
// subscription is registered when Events returns; the channel closes once ctx is
// cancelled or the subscription ends. Undecodable messages are acked and skipped.
func Events(ctx context.Context, sub message.Subscriber, topic string, logger zerolog.Logger) (<-chan livechat.Event, error) {
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", topic)
	}
	out := make(chan livechat.Event)
	go func() {
		defer close(out)
		for msg := range ch {
			var ev livechat.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn().Err(err).Str("topic", topic).Str("uuid", msg.UUID).Msg("failed to decode event")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Consume delivers every event on topic to fn until ctx is cancelled or the
// subscription closes.
func Consume(ctx context.Context, sub message.Subscriber, topic string, logger zerolog.Logger, fn func(livechat.Event)) error {
	events, err := Events(ctx, sub, topic, logger)
	if err != nil {
		return err
	}
	for ev := range events {
		fn(ev)
	}
	return ctx.Err()
}
