// Package bridge decodes the backend packets embedded in kind 30078 events
// and hands them to the forwarding strategy chosen at startup.
//
// Decoding is observational: whatever happens here, the originating event is
// still stored and acknowledged by the relay.
package bridge

import (
	"context"
	"log/slog"

	"crosstown/internal/domain"
)

// Propagation modes accepted in bridge.propagation_mode.
const (
	ModeStub     = "stub"
	ModeKafka    = "kafka"
	ModeRabbitMQ = "rabbitmq"
)

// Outcome reports what Handle did with an event.
type Outcome string

const (
	OutcomeSkipped       Outcome = "skipped"
	OutcomeDecodeFailed  Outcome = "decode_failed"
	OutcomeForwarded     Outcome = "forwarded"
	OutcomeForwardFailed Outcome = "forward_failed"
)

// Delivery is a decoded packet ready for a forwarder. Packet.Reducer is
// already sanitized.
type Delivery struct {
	Event          domain.Event
	Packet         domain.BridgePacket
	RedactedPubkey string
}

// Forwarder carries decoded packets to a backend.
type Forwarder interface {
	Forward(ctx context.Context, d Delivery) error
}

// Bridge applies a single Forwarder to every bridge event. A Bridge with a
// nil forwarder is disabled.
type Bridge struct {
	fwd    Forwarder
	logger *slog.Logger
}

func New(fwd Forwarder, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{fwd: fwd, logger: logger.With("component", "bridge")}
}

// Enabled reports whether a forwarding strategy is configured.
func (b *Bridge) Enabled() bool { return b != nil && b.fwd != nil }

// Applies reports whether evt should go through Handle.
func (b *Bridge) Applies(evt domain.Event) bool {
	return b.Enabled() && evt.Kind == domain.KindBridgePacket
}

func (b *Bridge) Handle(ctx context.Context, evt domain.Event) Outcome {
	if !b.Applies(evt) {
		return OutcomeSkipped
	}
	pubkey := RedactPubkey(evt.Pubkey)
	pkt, err := DecodePacket(evt.Content)
	if err != nil {
		b.logger.Warn("bridge packet decode failed", "pubkey", pubkey, "error", err)
		return OutcomeDecodeFailed
	}
	pkt.Reducer = SanitizeReducer(pkt.Reducer)
	if err := b.fwd.Forward(ctx, Delivery{Event: evt, Packet: pkt, RedactedPubkey: pubkey}); err != nil {
		b.logger.Warn("bridge forward failed", "pubkey", pubkey, "reducer", pkt.Reducer, "error", err)
		return OutcomeForwardFailed
	}
	return OutcomeForwarded
}

// StubForwarder logs each packet and forwards nothing.
type StubForwarder struct {
	logger *slog.Logger
}

func NewStubForwarder(logger *slog.Logger) *StubForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubForwarder{logger: logger.With("component", "bridge", "mode", ModeStub)}
}

func (s *StubForwarder) Forward(ctx context.Context, d Delivery) error {
	s.logger.InfoContext(ctx, "bridge packet received",
		"kind", d.Event.Kind,
		"pubkey", d.RedactedPubkey,
		"reducer", d.Packet.Reducer,
		"args_count", len(d.Packet.Args),
		"fee", d.Packet.Fee,
	)
	return nil
}
