// Package realtime is the live broadcast gateway: websocket connections
// join conversation rooms and receive that conversation's events in commit
// order.
package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/metrics"
	"github.com/rs/zerolog"
)

// DefaultGapTimeout bounds how long a room holds later revisions while
// waiting for a missing one.
const DefaultGapTimeout = 250 * time.Millisecond

// maxPending forces a gap skip when this many out-of-order events are held.
const maxPending = 256

// Subscriber receives encoded frames. Enqueue must not block; it returns
// false when the subscriber can no longer accept frames.
type Subscriber interface {
	Enqueue(frame []byte) bool
}

// Hub maps conversation ids to rooms of subscribers. The hub lock guards
// only the room map; each room has its own lock, so publishing to one
// conversation never waits on another.
type Hub struct {
	mu         sync.Mutex
	rooms      map[string]*room
	gapTimeout time.Duration
	log        zerolog.Logger
}

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	GapTimeout time.Duration // defaults to DefaultGapTimeout
	Logger     zerolog.Logger
}

// NewHub creates a Hub.
func NewHub(opts HubOpts) *Hub {
	gap := opts.GapTimeout
	if gap <= 0 {
		gap = DefaultGapTimeout
	}
	return &Hub{
		rooms:      make(map[string]*room),
		gapTimeout: gap,
		log:        opts.Logger.With().Str("component", "hub").Logger(),
	}
}

// Reserve registers sub with a conversation before its state is read.
// Events published from then on are held for sub until Join completes the
// subscription; Leave abandons it.
func (h *Hub) Reserve(sub Subscriber, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		r = newRoom(conversationID, 0, h.gapTimeout, h.log)
		h.rooms[conversationID] = r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, joined := r.subs[sub]; !joined {
		r.joining[sub] = nil
	}
}

// Join subscribes sub to a conversation whose state the subscriber has seen
// up to revision. welcome, if non-nil, is enqueued before any event. Events
// held since Reserve follow the welcome unless the snapshot covers them.
func (h *Hub) Join(sub Subscriber, conversationID string, revision uint64, welcome []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		r = newRoom(conversationID, revision+1, h.gapTimeout, h.log)
		h.rooms[conversationID] = r
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == 0 {
		r.sync(revision)
	}

	held := r.joining[sub]
	delete(r.joining, sub)
	if welcome != nil && !sub.Enqueue(welcome) {
		h.discardIfEmpty(r)
		return
	}
	for _, f := range held {
		if f.rev != 0 && f.rev <= revision {
			continue
		}
		if !sub.Enqueue(f.frame) {
			metrics.BroadcastDrops.WithLabelValues("slow_consumer").Inc()
			h.discardIfEmpty(r)
			return
		}
	}
	r.subs[sub] = struct{}{}
}

// Leave unsubscribes sub, or abandons its reservation. Empty rooms are
// discarded.
func (h *Hub) Leave(sub Subscriber, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subs, sub)
	delete(r.joining, sub)
	h.discardIfEmpty(r)
	r.mu.Unlock()
}

// discardIfEmpty closes and unregisters a room nobody is joined to. Caller
// holds h.mu and r.mu.
func (h *Hub) discardIfEmpty(r *room) {
	if len(r.subs) > 0 || len(r.joining) > 0 {
		return
	}
	r.close()
	delete(h.rooms, r.id)
}

// Subscribers returns the number of subscribers joined to a conversation.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Rooms returns the number of conversations with live subscribers.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Publish delivers ev to the subscribers of its conversation. Versioned
// events are released in revision order; typing events are delivered
// immediately. It implements chat.Publisher and never blocks on I/O.
func (h *Hub) Publish(_ context.Context, ev chat.Event) error {
	if ev.ConversationID == "" {
		return fmt.Errorf("realtime: event %s has no conversation id", ev.Type)
	}
	h.mu.Lock()
	r, ok := h.rooms[ev.ConversationID]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	frame, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", ev.Type, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if !ev.Type.Versioned() || ev.Revision == 0 {
		r.deliver(0, frame)
		return nil
	}
	r.offer(ev.Revision, frame)
	return nil
}

// heldFrame is an event kept for a subscriber whose join is in progress.
type heldFrame struct {
	rev   uint64
	frame []byte
}

// room is one conversation's subscriber set plus its revision sequencer.
// next is 0 until the first join supplies the conversation's revision;
// until then every versioned event waits in pending.
type room struct {
	id         string
	gapTimeout time.Duration
	log        zerolog.Logger

	mu       sync.Mutex
	subs     map[Subscriber]struct{}
	joining  map[Subscriber][]heldFrame
	next     uint64
	pending  map[uint64][]byte
	timer    *time.Timer
	timerGen uint64
	closed   bool
}

func newRoom(id string, next uint64, gap time.Duration, log zerolog.Logger) *room {
	return &room{
		id:         id,
		gapTimeout: gap,
		log:        log,
		subs:       make(map[Subscriber]struct{}),
		joining:    make(map[Subscriber][]heldFrame),
		next:       next,
		pending:    make(map[uint64][]byte),
	}
}

// deliver enqueues frame to every subscriber and holds it for joins in
// progress. A subscriber that cannot accept it is dropped from the room.
// rev is 0 for unversioned frames. Caller holds r.mu.
func (r *room) deliver(rev uint64, frame []byte) {
	for sub := range r.subs {
		if !sub.Enqueue(frame) {
			metrics.BroadcastDrops.WithLabelValues("slow_consumer").Inc()
			delete(r.subs, sub)
		}
	}
	for sub, held := range r.joining {
		r.joining[sub] = append(held, heldFrame{rev: rev, frame: frame})
	}
}

// sync starts sequencing after revision, releasing held events that
// follow it. Caller holds r.mu.
func (r *room) sync(revision uint64) {
	r.next = revision + 1
	for rev := range r.pending {
		if rev <= revision {
			delete(r.pending, rev)
		}
	}
	r.flush()
	if len(r.pending) > 0 {
		r.armTimer()
	}
}

// offer sequences a versioned frame. Caller holds r.mu.
func (r *room) offer(rev uint64, frame []byte) {
	switch {
	case r.next == 0:
		r.pending[rev] = frame
	case rev < r.next:
		// Already covered by every subscriber's join snapshot.
		return
	case rev == r.next:
		r.deliver(rev, frame)
		r.next++
		r.flush()
	default:
		r.pending[rev] = frame
		if len(r.pending) >= maxPending {
			r.skipGap()
			return
		}
		r.armTimer()
	}
}

// flush releases consecutive pending frames. Caller holds r.mu.
func (r *room) flush() {
	for {
		frame, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		r.deliver(r.next, frame)
		r.next++
	}
	if len(r.pending) == 0 {
		r.stopTimer()
	}
}

// skipGap gives up on the missing revisions before the lowest pending one.
// Caller holds r.mu.
func (r *room) skipGap() {
	if len(r.pending) == 0 {
		return
	}
	revs := make([]uint64, 0, len(r.pending))
	for rev := range r.pending {
		revs = append(revs, rev)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	missing := revs[0] - r.next
	metrics.BroadcastDrops.WithLabelValues("gap_timeout").Add(float64(missing))
	r.log.Debug().
		Str("conversation_id", r.id).
		Uint64("from", r.next).
		Uint64("to", revs[0]-1).
		Msg("skipping missing revisions")
	r.next = revs[0]
	r.stopTimer()
	r.flush()
	if len(r.pending) > 0 {
		r.armTimer()
	}
}

func (r *room) armTimer() {
	if r.timer != nil {
		return
	}
	r.timerGen++
	gen := r.timerGen
	r.timer = time.AfterFunc(r.gapTimeout, func() { r.onGapTimeout(gen) })
}

func (r *room) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.timerGen++
}

func (r *room) onGapTimeout(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || gen != r.timerGen {
		return
	}
	r.timer = nil
	r.skipGap()
}

// close stops the sequencer. Caller holds r.mu.
func (r *room) close() {
	r.closed = true
	r.stopTimer()
	r.pending = nil
}
