package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rj8b0000/gsb-admin-backend/internal/chat"
	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rs/zerolog"
)

// --- Fakes ---

type fakeHandlers map[string]string

func (f fakeHandlers) LookupHandler(_ context.Context, id string) (*models.Handler, error) {
	name, ok := f[id]
	if !ok {
		return nil, chat.ErrNotFound
	}
	return &models.Handler{ID: id, Name: name}, nil
}

type fakeSource struct {
	stats    chat.Stats
	counts   map[string]int64
	handlers []models.Handler
	err      error
}

func (f *fakeSource) Stats(context.Context) (*chat.Stats, error) {
	if f.err != nil {
		return nil, f.err
	}
	st := f.stats
	return &st, nil
}

func (f *fakeSource) OpenCountsByHandler(context.Context) (map[string]int64, error) {
	return f.counts, nil
}

func (f *fakeSource) ListHandlers(context.Context) ([]models.Handler, error) {
	return f.handlers, nil
}

func connectedMock(t *testing.T) *MockAdapter {
	t.Helper()
	m := NewMockAdapter()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return m
}

func sampleConversation() *models.Conversation {
	h := "h-alice"
	return &models.Conversation{
		ID:             "7b1c7c1e-3f6a-4a55-9f55-0d8f3b0d2c11",
		CustomerName:   "Asha",
		CustomerEmail:  "asha@example.com",
		Classification: "consultancy",
		Status:         chat.StatusOpen,
		AssignedTo:     &h,
		MessageCount:   4,
	}
}

func waitForSent(t *testing.T, m *MockAdapter, n int) []OutboundMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := m.Sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, got %d", n, len(m.Sent()))
	return nil
}

// --- Formatting ---

func TestSeverityColor(t *testing.T) {
	tests := map[string]string{
		"success": ColorSuccess,
		"info":    ColorInfo,
		"warning": ColorWarning,
		"error":   ColorError,
		"bogus":   ColorInfo,
	}
	for sev, want := range tests {
		if got := severityColor(sev); got != want {
			t.Errorf("severityColor(%q) = %q, want %q", sev, got, want)
		}
	}
}

func TestFormatConversationCreated(t *testing.T) {
	conv := sampleConversation()
	ev := chat.Event{
		Type:           chat.EventMessageAppended,
		ConversationID: conv.ID,
		Created:        true,
		Conversation:   conv,
		Message: &models.Message{
			Text:          "Can I swap my evening session?",
			MediaKind:     "image",
			MediaFilename: "plan.png",
		},
	}
	fe := FormatConversationCreated(ev)
	if fe.Color != ColorWarning {
		t.Errorf("Color = %q, want warning", fe.Color)
	}
	if !strings.Contains(fe.Body, "evening session") || !strings.Contains(fe.Body, "[image attachment: plan.png]") {
		t.Errorf("Body = %q", fe.Body)
	}
	var email bool
	for _, f := range fe.Fields {
		if f.Name == "Email" && f.Value == conv.CustomerEmail {
			email = true
		}
	}
	if !email {
		t.Errorf("Fields = %+v, want Email field", fe.Fields)
	}
}

func TestFormatConversationCreated_TruncatesLongText(t *testing.T) {
	ev := chat.Event{Message: &models.Message{Text: strings.Repeat("x", maxPreview+50)}}
	fe := FormatConversationCreated(ev)
	if got := len([]rune(fe.Body)); got != maxPreview+1 {
		t.Errorf("preview length = %d, want %d", got, maxPreview+1)
	}
}

func TestFormatConversationAssigned(t *testing.T) {
	ev := chat.Event{
		Type:              chat.EventConversationAssigned,
		ConversationID:    "c1",
		HandlerID:         "h-bob",
		PreviousHandlerID: "h-alice",
	}
	fe := FormatConversationAssigned(ev, "Bob")
	if fe.Body != "Assigned to Bob (h-bob), previously h-alice" {
		t.Errorf("Body = %q", fe.Body)
	}
	if got := FormatConversationAssigned(ev, "").Body; !strings.HasPrefix(got, "Assigned to h-bob") {
		t.Errorf("Body without name = %q", got)
	}
}

func TestFormatConversationResolved(t *testing.T) {
	conv := sampleConversation()
	fe := FormatConversationResolved(chat.Event{ConversationID: conv.ID, Conversation: conv})
	if fe.Color != ColorSuccess {
		t.Errorf("Color = %q, want success", fe.Color)
	}
	if fe.Body != "Conversation with Asha resolved" {
		t.Errorf("Body = %q", fe.Body)
	}
}

func TestFormatDigest(t *testing.T) {
	r := &DigestReport{
		GeneratedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Stats: chat.Stats{
			Open: 3, Unassigned: 1, Resolved: 7,
			ByClassification: map[string]int64{"support": 6, "feedback": 4},
		},
		Workload: []HandlerLoad{{HandlerID: "h-alice", Name: "Alice", Open: 2}},
	}
	fe := FormatDigest(r)
	if fe.Title != "Support queue digest (Mon 02 Mar)" {
		t.Errorf("Title = %q", fe.Title)
	}
	if fe.Color != ColorWarning {
		t.Errorf("Color = %q, want warning with unassigned chats", fe.Color)
	}
	if fe.Body != "3 open, 1 unassigned, 7 resolved to date" {
		t.Errorf("Body = %q", fe.Body)
	}
	if len(fe.Fields) != 3 || fe.Fields[0].Name != "Feedback" || fe.Fields[1].Name != "Support" {
		t.Fatalf("Fields = %+v", fe.Fields)
	}
	if fe.Fields[2].Value != "Alice: 2" {
		t.Errorf("workload field = %q", fe.Fields[2].Value)
	}
}

// --- Notifier ---

func TestNewNotifier_Validation(t *testing.T) {
	if _, err := NewNotifier(NotifierOpts{Channel: "C1"}); err == nil {
		t.Error("expected error without adapter")
	}
	if _, err := NewNotifier(NotifierOpts{Adapter: NewMockAdapter()}); err == nil {
		t.Error("expected error without channel")
	}
}

func TestNotifier_PostsLifecycleEvents(t *testing.T) {
	mock := connectedMock(t)
	n, err := NewNotifier(NotifierOpts{
		Adapter:  mock,
		Channel:  "C_SUPPORT",
		Handlers: fakeHandlers{"h-alice": "Alice"},
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	conv := sampleConversation()
	events := []chat.Event{
		{Type: chat.EventMessageAppended, ConversationID: conv.ID, Created: true, Conversation: conv, Message: &models.Message{Text: "hi"}},
		{Type: chat.EventMessageAppended, ConversationID: conv.ID, Conversation: conv, Message: &models.Message{Text: "again"}},
		{Type: chat.EventTypingStarted, ConversationID: conv.ID},
		{Type: chat.EventConversationAssigned, ConversationID: conv.ID, HandlerID: "h-alice", Conversation: conv},
		{Type: chat.EventConversationResolved, ConversationID: conv.ID, Conversation: conv},
	}
	for _, ev := range events {
		if err := n.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish(%s): %v", ev.Type, err)
		}
	}

	sent := waitForSent(t, mock, 3)
	want := []string{"New support conversation", "Conversation assigned", "Conversation resolved"}
	for i, w := range want {
		if sent[i].Text != w {
			t.Errorf("sent[%d].Text = %q, want %q", i, sent[i].Text, w)
		}
		if sent[i].ChannelID != "C_SUPPORT" {
			t.Errorf("sent[%d].ChannelID = %q", i, sent[i].ChannelID)
		}
	}
	if body := sent[1].Events[0].Body; body != "Assigned to Alice (h-alice)" {
		t.Errorf("assigned body = %q", body)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(mock.Sent()); got != 3 {
		t.Errorf("sent %d messages, want 3", got)
	}
}

func TestNotifier_QueueFull(t *testing.T) {
	n, err := NewNotifier(NotifierOpts{Adapter: connectedMock(t), Channel: "C1", QueueSize: 1, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	ev := chat.Event{Type: chat.EventConversationResolved, ConversationID: "c1"}
	if err := n.Publish(context.Background(), ev); err != nil {
		t.Fatalf("first Publish: %v", err)
	}
	err = n.Publish(context.Background(), ev)
	if err == nil || !strings.Contains(err.Error(), "queue full") {
		t.Errorf("second Publish error = %v, want queue full", err)
	}
}

func TestNotifier_SendFailureIsLogged(t *testing.T) {
	mock := connectedMock(t)
	mock.SetSendError(errors.New("channel_not_found"))
	n, err := NewNotifier(NotifierOpts{Adapter: mock, Channel: "C1", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewNotifier: %v", err)
	}
	// deliver must not panic or block on failure.
	n.deliver(context.Background(), OutboundMessage{ChannelID: "C1", Text: "x"})
	if len(mock.Sent()) != 0 {
		t.Error("failed send should not be recorded")
	}
}

// --- Digest ---

func TestNewDigest_Validation(t *testing.T) {
	src := &fakeSource{}
	tests := []struct {
		name string
		opts DigestOpts
	}{
		{"no source", DigestOpts{Adapter: NewMockAdapter(), Channel: "C1", Cron: "0 9 * * *"}},
		{"no adapter", DigestOpts{Source: src, Channel: "C1", Cron: "0 9 * * *"}},
		{"no channel", DigestOpts{Source: src, Adapter: NewMockAdapter(), Cron: "0 9 * * *"}},
		{"bad cron", DigestOpts{Source: src, Adapter: NewMockAdapter(), Channel: "C1", Cron: "every morning"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDigest(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDigest_Next(t *testing.T) {
	d, err := NewDigest(DigestOpts{Source: &fakeSource{}, Adapter: NewMockAdapter(), Channel: "C1", Cron: "0 9 * * 1-5"})
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	// Saturday 2026-03-07 10:00 -> Monday 09:00.
	from := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	want := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	if got := d.Next(from); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestDigest_BuildReportOrdersWorkload(t *testing.T) {
	src := &fakeSource{
		stats:    chat.Stats{Open: 5},
		counts:   map[string]int64{"h-bob": 1, "h-alice": 3, "h-gone": 1, "h-idle": 0},
		handlers: []models.Handler{{ID: "h-alice", Name: "Alice"}, {ID: "h-bob", Name: "Bob"}, {ID: "h-idle", Name: "Idle"}},
	}
	d, err := NewDigest(DigestOpts{Source: src, Adapter: NewMockAdapter(), Channel: "C1", Cron: "0 9 * * *"})
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	r, err := d.BuildReport(context.Background())
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}
	want := []HandlerLoad{
		{HandlerID: "h-alice", Name: "Alice", Open: 3},
		{HandlerID: "h-bob", Name: "Bob", Open: 1},
		{HandlerID: "h-gone", Name: "h-gone", Open: 1},
	}
	if len(r.Workload) != len(want) {
		t.Fatalf("Workload = %+v", r.Workload)
	}
	for i := range want {
		if r.Workload[i] != want[i] {
			t.Errorf("Workload[%d] = %+v, want %+v", i, r.Workload[i], want[i])
		}
	}
}

func TestDigest_SendNow(t *testing.T) {
	mock := connectedMock(t)
	src := &fakeSource{stats: chat.Stats{Open: 2, Unassigned: 2}}
	d, err := NewDigest(DigestOpts{Source: src, Adapter: mock, Channel: "C1", Cron: "0 9 * * *"})
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	sent, err := d.SendNow(context.Background())
	if err != nil || !sent {
		t.Fatalf("SendNow = %v, %v", sent, err)
	}
	msgs := mock.Sent()
	if len(msgs) != 1 || msgs[0].ChannelID != "C1" || len(msgs[0].Events) != 1 {
		t.Fatalf("sent = %+v", msgs)
	}

	src.stats = chat.Stats{Resolved: 9}
	sent, err = d.SendNow(context.Background())
	if err != nil || sent {
		t.Errorf("SendNow on empty queue = %v, %v, want skipped", sent, err)
	}
	if len(mock.Sent()) != 1 {
		t.Error("empty queue should not post")
	}
}

func TestDigest_SendNowErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("db down")}
	d, err := NewDigest(DigestOpts{Source: src, Adapter: connectedMock(t), Channel: "C1", Cron: "0 9 * * *"})
	if err != nil {
		t.Fatalf("NewDigest: %v", err)
	}
	if _, err := d.SendNow(context.Background()); err == nil || !strings.Contains(err.Error(), "notify: digest") {
		t.Errorf("error = %v", err)
	}

	src.err = nil
	src.stats = chat.Stats{Open: 1}
	disconnected := NewMockAdapter()
	d.adapter = disconnected
	if _, err := d.SendNow(context.Background()); err == nil || !strings.Contains(err.Error(), "send digest") {
		t.Errorf("error = %v", err)
	}
}

// --- MockAdapter ---

func TestMockAdapter_Lifecycle(t *testing.T) {
	m := NewMockAdapter()
	if err := m.Send(context.Background(), OutboundMessage{}); err == nil {
		t.Error("Send before Connect should fail")
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !m.Connected() {
		t.Error("Connected() = false")
	}
	m.Close()
	if !m.Closed() || m.Connected() {
		t.Error("Close should mark closed and disconnected")
	}
	if err := m.Connect(context.Background()); err == nil {
		t.Error("Connect after Close should fail")
	}
}
