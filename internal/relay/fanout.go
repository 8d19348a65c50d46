package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
	"wastetrack/internal/wire"
)

// FanoutEvent is one accepted report shared between relay instances.
type FanoutEvent struct {
	Origin      string              `json:"origin"`
	CollectorID string              `json:"collectorId"`
	Report      wire.LocationReport `json:"report"`
}

// Fanout carries accepted reports to every other relay instance.
type Fanout interface {
	Publish(ctx context.Context, ev FanoutEvent) error
	Subscribe(ctx context.Context) (<-chan FanoutEvent, error)
	Close() error
}

// NATSFanout is a Fanout over core NATS subjects. Every instance receives
// every message; there is no queue group.
type NATSFanout struct {
	subject string
	pub     *wmNats.Publisher
	sub     *wmNats.Subscriber
	log     zerolog.Logger
}

// NewNATSFanout connects to url and uses subject for all traffic.
func NewNATSFanout(url, subject string) (*NATSFanout, error) {
	log := logging.Component("fanout")
	wlog := watermill.NewSlogLogger(logging.NewSlogAt(slog.LevelWarn))

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	noJetStream := wmNats.JetStreamConfig{Disabled: true}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   noJetStream,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     5 * time.Second,
		SubscribeTimeout: 10 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        noJetStream,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &NATSFanout{subject: subject, pub: pub, sub: sub, log: log}, nil
}

// Publish sends ev on the fan-out subject.
func (f *NATSFanout) Publish(_ context.Context, ev FanoutEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode fan-out event: %w", err)
	}
	if err := f.pub.Publish(f.subject, message.NewMessage(uuid.NewString(), b)); err != nil {
		return fmt.Errorf("publish %s: %w", f.subject, err)
	}
	return nil
}

// Subscribe returns decoded events until ctx is done.
func (f *NATSFanout) Subscribe(ctx context.Context) (<-chan FanoutEvent, error) {
	msgs, err := f.sub.Subscribe(ctx, f.subject)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", f.subject, err)
	}
	out := make(chan FanoutEvent, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev FanoutEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				f.log.Warn().Err(err).Msg("dropping undecodable fan-out message")
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

// Close disconnects publisher and subscriber.
func (f *NATSFanout) Close() error {
	perr := f.pub.Close()
	serr := f.sub.Close()
	if perr != nil {
		return perr
	}
	return serr
}

// FanoutReceiver applies events from other instances to a relay.
type FanoutReceiver struct {
	relay  *Relay
	fanout Fanout
}

// NewFanoutReceiver returns the receiving side of r's fan-out.
func NewFanoutReceiver(r *Relay, f Fanout) *FanoutReceiver {
	return &FanoutReceiver{relay: r, fanout: f}
}

// Serve applies remote events until ctx is done.
func (fr *FanoutReceiver) Serve(ctx context.Context) error {
	events, err := fr.fanout.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("fan-out subscription closed")
			}
			fr.relay.applyRemote(ev)
		}
	}
}

func (fr *FanoutReceiver) String() string { return "fanout-receiver" }
