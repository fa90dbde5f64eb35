package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rs/zerolog"
)

// relayEnvelope is the redis pub/sub payload. Origin names the publishing
// instance in logs.
type relayEnvelope struct {
	Origin string     `json:"origin"`
	Event  chat.Event `json:"event"`
}

// RedisRelay fans events out to every instance through a redis channel.
// Each instance's hub is fed from the subscription, so local subscribers
// also receive events through redis. If redis is unreachable the event is
// delivered to the local hub directly.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	origin  string
	log     zerolog.Logger
}

// RedisRelayOpts holds parameters for creating a RedisRelay.
type RedisRelayOpts struct {
	Client  *redis.Client
	Channel string
	Hub     *Hub
	Logger  zerolog.Logger
}

// NewRedisRelay creates a RedisRelay.
func NewRedisRelay(opts RedisRelayOpts) (*RedisRelay, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("realtime: relay: redis client is required")
	}
	if opts.Hub == nil {
		return nil, fmt.Errorf("realtime: relay: hub is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("realtime: relay: channel is required")
	}
	return &RedisRelay{
		client:  opts.Client,
		channel: opts.Channel,
		hub:     opts.Hub,
		origin:  ulid.Make().String(),
		log:     opts.Logger.With().Str("component", "relay").Logger(),
	}, nil
}

// Publish sends ev to the redis channel.
func (r *RedisRelay) Publish(ctx context.Context, ev chat.Event) error {
	data, err := json.Marshal(relayEnvelope{Origin: r.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("realtime: relay: encode: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		if herr := r.hub.Publish(ctx, ev); herr != nil {
			r.log.Warn().Err(herr).Str("conversation_id", ev.ConversationID).Msg("local fallback delivery failed")
		}
		return fmt.Errorf("realtime: relay: publish %s: %w", ev.Type, err)
	}
	return nil
}

// Run subscribes to the channel and feeds the hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("realtime: relay: subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) dispatch(ctx context.Context, payload []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn().Err(err).Msg("dropping malformed relay payload")
		return
	}
	if err := r.hub.Publish(ctx, env.Event); err != nil {
		r.log.Warn().Err(err).Str("origin", env.Origin).Msg("relay delivery failed")
	}
}
