// SPDX-License-Identifier: MIT

package edit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/twinforge/twinforge/internal/kv"
)

// relayEnvelope wraps a broadcast frame with its origin so instances can
// drop their own publishes.
type relayEnvelope struct {
	Origin string          `json:"origin"`
	TwinID uuid.UUID       `json:"twin_id"`
	Frame  json.RawMessage `json:"frame"`
}

// Relay bridges accepted operations between server instances: it consumes
// the ops channel and re-broadcasts every foreign frame to local
// subscribers.
type Relay struct {
	kvc      *kv.Client
	local    Broadcaster
	instance string
	logger   zerolog.Logger
}

// NewRelay builds a relay for this instance.
func NewRelay(kvc *kv.Client, local Broadcaster, instance string, logger zerolog.Logger) *Relay {
	return &Relay{kvc: kvc, local: local, instance: instance, logger: logger}
}

// Run consumes the ops channel until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.kvc.Subscribe(ctx, OpsChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	r.logger.Info().Str("channel", OpsChannel).Msg("operation relay started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn().Err(err).Msg("malformed relay envelope dropped")
				continue
			}
			if env.Origin == r.instance {
				continue
			}
			r.local.Broadcast(ctx, env.TwinID, "edit_operation", env.Frame, uuid.Nil)
		}
	}
}
