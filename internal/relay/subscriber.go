package relay

import (
	"context"
	"encoding/json"
)

// Subscriber receives REQ and CLOSE traffic. The relay always answers REQ with
// EOSE; a Subscriber that wants to push live events must do so on its own.
type Subscriber interface {
	Subscribe(ctx context.Context, connID, subID string, filters []json.RawMessage) error
	Unsubscribe(ctx context.Context, connID, subID string)
	Disconnect(ctx context.Context, connID string)
}

// NopSubscriber tracks nothing.
type NopSubscriber struct{}

func (NopSubscriber) Subscribe(context.Context, string, string, []json.RawMessage) error { return nil }
func (NopSubscriber) Unsubscribe(context.Context, string, string)                       {}
func (NopSubscriber) Disconnect(context.Context, string)                                {}
