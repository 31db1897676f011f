// Package signaling moves signaling messages between the transport and the
// engine: the Publisher sends what the engine generates, Inbound feeds what
// arrives.
package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mossy-p/peer-signaling/internal/codec"
	"github.com/mossy-p/peer-signaling/internal/events"
	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/transport"
)

// ErrorKindTransport tags errorOccurred events for failed publishes.
const ErrorKindTransport = "transportError"

const defaultPublishTimeout = 10 * time.Second

type PublisherOptions struct {
	LocalID   string
	Topics    transport.Topics
	Transport transport.Transport
	Bus       *events.Bus
	Logger    *slog.Logger
	// Timeout bounds each publish. Zero means ten seconds.
	Timeout time.Duration
}

// Publisher encodes generated offers, answers and candidates and publishes
// them to the recipient's signal topic. Failed publishes are reported on
// the bus and not retried.
type Publisher struct {
	opts   PublisherOptions
	logger *slog.Logger
	sub    *events.Subscription
}

// NewPublisher subscribes to the bus right away so nothing generated before
// Run starts is missed.
func NewPublisher(opts PublisherOptions) *Publisher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPublishTimeout
	}
	return &Publisher{
		opts:   opts,
		logger: logger.With("component", "publisher"),
		sub:    opts.Bus.Subscribe(),
	}
}

// Run publishes until ctx is done or the bus closes.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.sub.C():
			if !ok {
				return nil
			}
			msg, ok := p.message(ev)
			if !ok {
				continue
			}
			if err := p.publish(ctx, msg); err != nil {
				p.logger.Error("failed to publish signaling message", "type", msg.Type, "peer", msg.To, "error", err)
				p.opts.Bus.Publish(events.Event{
					Kind:      events.KindErrorOccurred,
					PeerID:    msg.To,
					ErrorKind: ErrorKindTransport,
					Err:       err,
				})
			}
		}
	}
}

func (p *Publisher) message(ev events.Event) (models.Message, bool) {
	switch ev.Kind {
	case events.KindOfferGenerated:
		return models.NewOffer(p.opts.LocalID, ev.PeerID, ev.SDP, ev.VideoSource), true
	case events.KindAnswerGenerated:
		return models.NewAnswer(p.opts.LocalID, ev.PeerID, ev.SDP, ev.VideoSource), true
	case events.KindIceCandidateGenerated:
		if ev.Candidate == nil {
			return models.Message{}, false
		}
		return models.NewIceCandidate(p.opts.LocalID, ev.PeerID, *ev.Candidate), true
	}
	return models.Message{}, false
}

func (p *Publisher) publish(ctx context.Context, msg models.Message) error {
	payload, err := codec.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	if err := p.opts.Transport.Publish(ctx, p.opts.Topics.Signal(msg.To), payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Type, msg.To, err)
	}
	p.logger.Debug("published", "type", msg.Type, "peer", msg.To)
	return nil
}
