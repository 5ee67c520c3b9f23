package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// MessageSigner signs message payloads with the operator key.
type MessageSigner interface {
	Sign(payload []byte) (string, error)
}

// MessagePublisher implements Forwarder. It converts an applied operation
// into a signed inter-ledger Message and appends it to the outbox stream.
type MessagePublisher struct {
	origin string
	outbox string
	signer MessageSigner
	bus    domain.EventBus
	now    func() time.Time
}

// NewMessagePublisher creates a publisher stamping messages with origin.
func NewMessagePublisher(origin, outbox string, signer MessageSigner, bus domain.EventBus) *MessagePublisher {
	return &MessagePublisher{
		origin: origin,
		outbox: outbox,
		signer: signer,
		bus:    bus,
		now:    time.Now,
	}
}

// Forward signs and publishes the message equivalent of op.
func (p *MessagePublisher) Forward(ctx context.Context, subject domain.Owner, op domain.Operation) error {
	msg := domain.MessageFor(subject, op)
	msg.ID = uuid.NewString()
	msg.Origin = p.origin
	msg.SentAt = p.now().UTC()

	sig, err := p.signer.Sign(msg.SigningPayload())
	if err != nil {
		return fmt.Errorf("service: sign message: %w", err)
	}
	msg.Signature = sig

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("service: encode message: %w", err)
	}
	if err := p.bus.StreamAppend(ctx, p.outbox, payload); err != nil {
		return fmt.Errorf("service: append outbox: %w", err)
	}
	return nil
}

var _ Forwarder = (*MessagePublisher)(nil)
