package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rj8b0000/gsb-admin-backend/internal/broker"
	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/config"
	"github.com/rj8b0000/gsb-admin-backend/internal/notify"
	"github.com/rj8b0000/gsb-admin-backend/internal/notify/discord"
	"github.com/rj8b0000/gsb-admin-backend/internal/notify/slack"
	"github.com/rj8b0000/gsb-admin-backend/internal/realtime"
	"github.com/rs/zerolog"
)

// eventSinks is the set of publishers lifecycle events fan out to.
type eventSinks struct {
	fanout  *chat.Fanout
	live    chat.Publisher // hub, or the redis relay in front of it
	relay   *realtime.RedisRelay
	closers []func() error
}

// newEventSinks wires the live channel and, when configured, the redis
// relay and the AMQP broker.
func newEventSinks(ctx context.Context, cfg *config.Config, hub *realtime.Hub, log zerolog.Logger) (*eventSinks, error) {
	s := &eventSinks{fanout: chat.NewFanout(log), live: hub}

	if cfg.Realtime.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Realtime.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		s.closers = append(s.closers, client.Close)
		relay, err := realtime.NewRedisRelay(realtime.RedisRelayOpts{
			Client:  client,
			Channel: cfg.Realtime.RedisChannel,
			Hub:     hub,
			Logger:  log,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.relay = relay
		s.live = relay
	}
	s.fanout.Add("realtime", s.live)

	if cfg.Broker.URL != "" {
		pub, err := broker.Dial(ctx, broker.Opts{
			URL:          cfg.Broker.URL,
			Exchange:     cfg.Broker.Exchange,
			Producer:     cfg.Broker.Producer,
			DialAttempts: cfg.Broker.DialAttempts,
			RetryDelay:   time.Duration(cfg.Broker.RetryDelayMs) * time.Millisecond,
			Logger:       log,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pub.Close)
		s.fanout.Add("broker", pub)
	}

	return s, nil
}

// Close releases sink connections in reverse order.
func (s *eventSinks) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
	s.closers = nil
}

// newNotifyAdapter returns the team-chat adapter for cfg.Platform, or nil
// when notifications are disabled.
func newNotifyAdapter(cfg config.NotifyConfig, log zerolog.Logger) (notify.Adapter, error) {
	switch cfg.Platform {
	case "":
		return nil, nil
	case "slack":
		return slack.New(slack.AdapterOpts{
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Channel,
		})
	case "discord":
		return discord.New(discord.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Channel,
			Logger:    log,
		})
	default:
		return nil, fmt.Errorf("unknown notify platform %q", cfg.Platform)
	}
}

// startNotify connects the adapter and starts the notifier and digest
// loops. The returned close func disconnects the adapter.
func startNotify(ctx context.Context, cfg config.NotifyConfig, store *chat.Store, fanout *chat.Fanout, log zerolog.Logger) (func(), error) {
	adapter, err := newNotifyAdapter(cfg, log)
	if err != nil || adapter == nil {
		return func() {}, err
	}
	if err := adapter.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Platform, err)
	}

	notifier, err := notify.NewNotifier(notify.NotifierOpts{
		Adapter:  adapter,
		Channel:  cfg.Channel,
		Handlers: store,
		Logger:   log,
	})
	if err != nil {
		adapter.Close()
		return nil, err
	}
	go notifier.Run(ctx)
	fanout.Add("notify", notifier)

	if cfg.Digest.Enabled {
		digest, err := notify.NewDigest(notify.DigestOpts{
			Source:  store,
			Adapter: adapter,
			Channel: cfg.Channel,
			Cron:    cfg.Digest.Cron,
			Logger:  log,
		})
		if err != nil {
			adapter.Close()
			return nil, err
		}
		go digest.Run(ctx)
	}

	log.Info().Str("platform", cfg.Platform).Bool("digest", cfg.Digest.Enabled).Msg("team notifications enabled")
	return func() { adapter.Close() }, nil
}

// originChecker accepts websocket upgrades from the allowed origins.
// A "*" entry allows all.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
