package signaling

import (
	"context"
	"log/slog"

	"github.com/mossy-p/peer-signaling/internal/codec"
	"github.com/mossy-p/peer-signaling/internal/models"
	"github.com/mossy-p/peer-signaling/internal/transport"
)

// Submitter accepts decoded messages without blocking.
type Submitter interface {
	Submit(msg models.Message) bool
}

type InboundOptions struct {
	LocalID   string
	Topics    transport.Topics
	Transport transport.Transport
	Engine    Submitter
	Logger    *slog.Logger
}

// Inbound feeds messages from the local signal topic to the engine.
type Inbound struct {
	opts   InboundOptions
	logger *slog.Logger
}

func NewInbound(opts InboundOptions) *Inbound {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbound{opts: opts, logger: logger.With("component", "inbound")}
}

// Run subscribes and submits until ctx is done or the subscription ends.
func (in *Inbound) Run(ctx context.Context) error {
	msgs, err := in.opts.Transport.Subscribe(ctx, in.opts.Topics.Signal(in.opts.LocalID))
	if err != nil {
		return err
	}
	for msg := range msgs {
		in.handle(msg)
	}
	return ctx.Err()
}

func (in *Inbound) handle(raw transport.Message) {
	msg, err := codec.Decode(raw.Payload)
	if err != nil {
		in.logger.Warn("dropping malformed signaling message", "topic", raw.Topic, "error", err)
		return
	}
	// Legacy senders omit the recipient; the topic names it.
	if msg.To == "" {
		msg.To = transport.PeerFromTopic(raw.Topic)
	}
	// Rejects cover loopback, other recipients and a closed engine.
	if !in.opts.Engine.Submit(msg) {
		in.logger.Debug("message not accepted", "type", msg.Type, "from", msg.From, "to", msg.To)
	}
}
