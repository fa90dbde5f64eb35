package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DigestSource supplies the queue figures for a digest. *chat.Store
// satisfies it.
type DigestSource interface {
	Stats(ctx context.Context) (*chat.Stats, error)
	OpenCountsByHandler(ctx context.Context) (map[string]int64, error)
	ListHandlers(ctx context.Context) ([]models.Handler, error)
}

// DigestReport is a point-in-time summary of the support queue.
type DigestReport struct {
	GeneratedAt time.Time
	Stats       chat.Stats
	Workload    []HandlerLoad
}

// HandlerLoad is the number of open conversations held by one handler.
type HandlerLoad struct {
	HandlerID string
	Name      string
	Open      int64
}

// Digest posts a DigestReport on a cron schedule.
type Digest struct {
	source   DigestSource
	adapter  Adapter
	channel  string
	schedule cron.Schedule
	now      func() time.Time
	log      zerolog.Logger
}

// DigestOpts holds parameters for creating a Digest.
type DigestOpts struct {
	Source  DigestSource
	Adapter Adapter
	Channel string
	Cron    string // 5-field expression, e.g. "0 9 * * 1-5"
	Logger  zerolog.Logger
}

// NewDigest validates opts and parses the schedule.
func NewDigest(opts DigestOpts) (*Digest, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("notify: digest source is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("notify: adapter is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("notify: channel is required")
	}
	sched, err := cronParser.Parse(opts.Cron)
	if err != nil {
		return nil, fmt.Errorf("notify: digest cron %q: %w", opts.Cron, err)
	}
	return &Digest{
		source:   opts.Source,
		adapter:  opts.Adapter,
		channel:  opts.Channel,
		schedule: sched,
		now:      time.Now,
		log:      opts.Logger.With().Str("component", "digest").Logger(),
	}, nil
}

// Next returns the first fire time after t.
func (d *Digest) Next(t time.Time) time.Time {
	return d.schedule.Next(t)
}

// BuildReport gathers the current queue figures. Workload lists every
// handler holding open conversations, busiest first.
func (d *Digest) BuildReport(ctx context.Context) (*DigestReport, error) {
	stats, err := d.source.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: digest: %w", err)
	}
	counts, err := d.source.OpenCountsByHandler(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: digest: %w", err)
	}
	handlers, err := d.source.ListHandlers(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: digest: %w", err)
	}

	names := make(map[string]string, len(handlers))
	for _, h := range handlers {
		names[h.ID] = h.Name
	}
	report := &DigestReport{GeneratedAt: d.now(), Stats: *stats}
	for id, n := range counts {
		if n == 0 {
			continue
		}
		name := names[id]
		if name == "" {
			name = id
		}
		report.Workload = append(report.Workload, HandlerLoad{HandlerID: id, Name: name, Open: n})
	}
	sort.Slice(report.Workload, func(i, j int) bool {
		a, b := report.Workload[i], report.Workload[j]
		if a.Open != b.Open {
			return a.Open > b.Open
		}
		return a.HandlerID < b.HandlerID
	})
	return report, nil
}

// SendNow builds and posts a digest. It reports false without posting when
// no conversations are open.
func (d *Digest) SendNow(ctx context.Context) (bool, error) {
	report, err := d.BuildReport(ctx)
	if err != nil {
		return false, err
	}
	if report.Stats.Open == 0 {
		return false, nil
	}
	fe := FormatDigest(report)
	err = d.adapter.Send(ctx, OutboundMessage{
		ChannelID: d.channel,
		Text:      fe.Title,
		Events:    []FormattedEvent{fe},
	})
	if err != nil {
		return false, fmt.Errorf("notify: send digest: %w", err)
	}
	return true, nil
}

// Run posts a digest at every scheduled time until ctx is cancelled.
func (d *Digest) Run(ctx context.Context) {
	for {
		wait := time.Until(d.Next(d.now()))
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		sent, err := d.SendNow(ctx)
		switch {
		case err != nil:
			d.log.Warn().Err(err).Msg("digest failed")
		case sent:
			d.log.Info().Msg("digest posted")
		default:
			d.log.Debug().Msg("digest skipped, queue empty")
		}
	}
}
