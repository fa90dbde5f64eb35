package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewService_RequiresStore(t *testing.T) {
	if _, err := NewService(ServiceOpts{}); err == nil {
		t.Fatal("expected error for nil store")
	}
}

// --- end-to-end scenario ---

func TestScenario_ResolvedCustomerStartsFreshConversation(t *testing.T) {
	svc, _, pub := testService(t)
	ctx := context.Background()

	first, err := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", CustomerEmail: "a@x.com", Text: "Hi"})
	if err != nil {
		t.Fatalf("customer message: %v", err)
	}
	if !first.Created || first.Conversation.Status != StatusOpen {
		t.Fatalf("first = created %v status %s", first.Created, first.Conversation.Status)
	}

	reply, err := svc.SendAgentReply(ctx, AgentReply{ConversationID: first.Conversation.ID, HandlerID: "h-alice", Text: "Hello"})
	if err != nil {
		t.Fatalf("agent reply: %v", err)
	}
	log := reply.Conversation.Messages
	if len(log) != 2 || log[0].Text != "Hi" || log[1].Text != "Hello" {
		t.Fatalf("log = %+v, want [Hi Hello]", log)
	}
	if reply.Conversation.AssignedTo == nil || *reply.Conversation.AssignedTo != "h-alice" {
		t.Fatalf("AssignedTo = %v, want h-alice", reply.Conversation.AssignedTo)
	}

	resolved, err := svc.ResolveConversation(ctx, first.Conversation.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolved {
		t.Fatalf("Status = %s, want resolved", resolved.Status)
	}

	again, err := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", CustomerEmail: "a@x.com", Text: "Still there?"})
	if err != nil {
		t.Fatalf("second customer message: %v", err)
	}
	if !again.Created || again.Conversation.ID == first.Conversation.ID {
		t.Fatalf("expected a new conversation, got %s (created %v)", again.Conversation.ID, again.Created)
	}
	if len(again.Conversation.Messages) != 1 || again.Conversation.Messages[0].Text != "Still there?" {
		t.Errorf("new log = %+v", again.Conversation.Messages)
	}
	old, _ := svc.Store().GetByID(ctx, first.Conversation.ID)
	if len(old.Messages) != 2 {
		t.Errorf("resolved conversation log grew to %d", len(old.Messages))
	}

	want := []EventType{
		EventMessageAppended,
		EventMessageAppended,
		EventConversationAssigned,
		EventConversationResolved,
		EventMessageAppended,
	}
	got := pub.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	var last uint64
	for _, ev := range pub.events[:4] {
		if ev.Revision <= last {
			t.Errorf("revision %d after %d for %s", ev.Revision, last, ev.Type)
		}
		last = ev.Revision
	}
}

// --- customer ingestion ---

func TestSendCustomerMessage_AppendsToOpenConversation(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	in := CustomerMessage{CustomerName: "Asha", CustomerEmail: "a@x.com", Text: "one"}

	first, err := svc.SendCustomerMessage(ctx, in)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	in.Text = "two"
	second, err := svc.SendCustomerMessage(ctx, in)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Created || second.Conversation.ID != first.Conversation.ID {
		t.Fatalf("second message opened a new conversation")
	}
	if second.Message.Sequence != 2 || second.Message.SenderRole != string(RoleCustomer) {
		t.Errorf("Message = %+v", second.Message)
	}
}

func TestSendCustomerMessage_Validation(t *testing.T) {
	svc, up, pub := testService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CustomerMessage
	}{
		{"empty text no media", CustomerMessage{CustomerName: "Asha", CustomerEmail: "a@x.com"}},
		{"whitespace text", CustomerMessage{CustomerName: "Asha", Text: "  \n"}},
		{"no identity", CustomerMessage{Text: "hi"}},
		{"no name for new conversation", CustomerMessage{CustomerEmail: "new@x.com", Text: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SendCustomerMessage(ctx, tt.in); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
	if up.count() != 0 || len(pub.types()) != 0 {
		t.Errorf("uploads=%d events=%d after rejected messages", up.count(), len(pub.types()))
	}
}

func TestSendCustomerMessage_WithMedia(t *testing.T) {
	svc, up, _ := testService(t)
	res, err := svc.SendCustomerMessage(context.Background(), CustomerMessage{
		CustomerName:  "Asha",
		CustomerEmail: "a@x.com",
		Attachment:    &Attachment{Data: []byte("\x89PNG...."), MimeType: "image/png", Filename: "../../meal plan.png"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	m := MediaOf(*res.Message)
	if m == nil {
		t.Fatal("message has no media")
	}
	if m.Kind != MediaImage || m.Filename != "meal_plan.png" || m.Size != 8 {
		t.Errorf("media = %+v", m)
	}
	if m.URL != "https://cdn.test/support/a_at_x.com/meal_plan.png" {
		t.Errorf("URL = %q", m.URL)
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want 1", up.count())
	}
}

func TestSendCustomerMessage_RejectsZip(t *testing.T) {
	svc, up, pub := testService(t)
	ctx := context.Background()

	_, err := svc.SendCustomerMessage(ctx, CustomerMessage{
		CustomerName:  "Asha",
		CustomerEmail: "a@x.com",
		Text:          "see attached",
		Attachment:    &Attachment{Data: []byte("PK.."), MimeType: "application/zip", Filename: "logs.zip"},
	})
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("err = %v, want ErrUnsupportedMedia", err)
	}
	if up.count() != 0 {
		t.Errorf("uploads = %d, want 0", up.count())
	}
	if _, err := svc.Store().FindOpenConversationByCustomer(ctx, "a@x.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("conversation persisted after rejected upload: %v", err)
	}
	if len(pub.types()) != 0 {
		t.Errorf("events = %v, want none", pub.types())
	}
}

func TestSendCustomerMessage_Oversize(t *testing.T) {
	svc, _, _ := testService(t)
	_, err := svc.SendCustomerMessage(context.Background(), CustomerMessage{
		CustomerName: "Asha",
		Attachment:   &Attachment{Data: make([]byte, 2048), MimeType: "video/mp4", Filename: "squat.mp4"},
	})
	if !errors.Is(err, ErrUnsupportedMedia) {
		t.Fatalf("err = %v, want ErrUnsupportedMedia", err)
	}
}

func TestSendCustomerMessage_UploadFailureLeavesLogUnchanged(t *testing.T) {
	svc, up, pub := testService(t)
	ctx := context.Background()
	first, err := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", CustomerEmail: "a@x.com", Text: "hi"})
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	up.err = errBoom
	_, err = svc.SendCustomerMessage(ctx, CustomerMessage{
		CustomerName:  "Asha",
		CustomerEmail: "a@x.com",
		Text:          "photo",
		Attachment:    &Attachment{Data: []byte("jpeg"), MimeType: "image/jpeg", Filename: "me.jpg"},
	})
	if !errors.Is(err, ErrStorageUpload) {
		t.Fatalf("err = %v, want ErrStorageUpload", err)
	}

	got, _ := svc.Store().GetByID(ctx, first.Conversation.ID)
	if len(got.Messages) != 1 || got.Revision != first.Conversation.Revision {
		t.Errorf("log changed after failed upload: %d messages, revision %d", len(got.Messages), got.Revision)
	}
	if len(pub.types()) != 1 {
		t.Errorf("events = %v, want only the first message", pub.types())
	}
}

func TestSendCustomerMessage_ConcurrentFirstMessages(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", CustomerEmail: "a@x.com", Text: fmt.Sprintf("m%d", i)})
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	ids := make(map[string]bool)
	created := 0
	for r := range results {
		ids[r.Conversation.ID] = true
		if r.Created {
			created++
		}
	}
	if len(ids) != 1 || created != 1 {
		t.Fatalf("conversations = %d, created = %d, want 1 and 1", len(ids), created)
	}
	open, err := svc.Store().List(ctx, ListFilter{Status: StatusOpen})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open conversations = %d, want 1", len(open))
	}
	if open[0].MessageCount != n {
		t.Errorf("MessageCount = %d, want %d", open[0].MessageCount, n)
	}
}

func TestSendCustomerMessage_PublishFailureDoesNotFail(t *testing.T) {
	svc, _, pub := testService(t)
	pub.err = errBoom
	res, err := svc.SendCustomerMessage(context.Background(), CustomerMessage{CustomerName: "Asha", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Conversation == nil || len(pub.types()) != 1 {
		t.Errorf("result %+v, events %v", res, pub.types())
	}
}

// --- live-channel customer path ---

func TestSendCustomerMessageTo(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	first, _ := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", CustomerEmail: "a@x.com", Text: "hi"})

	res, err := svc.SendCustomerMessageTo(ctx, first.Conversation.ID, CustomerMessage{Text: "over the socket"})
	if err != nil {
		t.Fatalf("send to open: %v", err)
	}
	if res.Created || res.Conversation.ID != first.Conversation.ID || res.Message.SenderID != "a@x.com" {
		t.Errorf("result = created %v id %s sender %s", res.Created, res.Conversation.ID, res.Message.SenderID)
	}

	svc.ResolveConversation(ctx, first.Conversation.ID)
	res, err = svc.SendCustomerMessageTo(ctx, first.Conversation.ID, CustomerMessage{Text: "back again"})
	if err != nil {
		t.Fatalf("send to resolved: %v", err)
	}
	if !res.Created || res.Conversation.ID == first.Conversation.ID {
		t.Errorf("expected a fresh conversation, got %s", res.Conversation.ID)
	}
	if res.Conversation.CustomerName != "Asha" {
		t.Errorf("CustomerName = %q", res.Conversation.CustomerName)
	}

	if _, err := svc.SendCustomerMessageTo(ctx, "bogus", CustomerMessage{Text: "x"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("bogus id: err = %v, want ErrInvalidID", err)
	}
}

// --- agent replies ---

func TestSendAgentReply_Errors(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()
	res, _ := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", Text: "hi"})
	id := res.Conversation.ID

	if _, err := svc.SendAgentReply(ctx, AgentReply{ConversationID: "nope", Text: "x"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("malformed id: err = %v", err)
	}
	if _, err := svc.SendAgentReply(ctx, AgentReply{ConversationID: id}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty reply: err = %v", err)
	}
	if _, err := svc.SendAgentReply(ctx, AgentReply{ConversationID: id, HandlerID: "h-ghost", Text: "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown handler: err = %v", err)
	}

	svc.ResolveConversation(ctx, id)
	if _, err := svc.SendAgentReply(ctx, AgentReply{ConversationID: id, Text: "late"}); !errors.Is(err, ErrConversationResolved) {
		t.Errorf("resolved: err = %v", err)
	}
}

func TestSendAgentReply_DoesNotStealAssignment(t *testing.T) {
	svc, _, pub := testService(t)
	ctx := context.Background()
	res, _ := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", Text: "hi"})
	id := res.Conversation.ID
	if _, err := svc.AssignConversation(ctx, id, "h-bob"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	reply, err := svc.SendAgentReply(ctx, AgentReply{ConversationID: id, HandlerID: "h-alice", Text: "covering"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if *reply.Conversation.AssignedTo != "h-bob" {
		t.Errorf("AssignedTo = %q, want h-bob", *reply.Conversation.AssignedTo)
	}
	want := []EventType{EventMessageAppended, EventConversationAssigned, EventMessageAppended}
	if fmt.Sprint(pub.types()) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", pub.types(), want)
	}
}

// --- lifecycle ---

func TestAssignConversation_Events(t *testing.T) {
	svc, _, pub := testService(t)
	ctx := context.Background()
	res, _ := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", Text: "hi"})
	id := res.Conversation.ID

	svc.AssignConversation(ctx, id, "h-alice")
	svc.AssignConversation(ctx, id, "h-alice")
	conv, err := svc.AssignConversation(ctx, id, "h-bob")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if *conv.AssignedTo != "h-bob" {
		t.Errorf("AssignedTo = %q", *conv.AssignedTo)
	}

	var assigned []Event
	for _, ev := range pub.events {
		if ev.Type == EventConversationAssigned {
			assigned = append(assigned, ev)
		}
	}
	if len(assigned) != 2 {
		t.Fatalf("assigned events = %d, want 2 (repeat is silent)", len(assigned))
	}
	if assigned[1].HandlerID != "h-bob" || assigned[1].PreviousHandlerID != "h-alice" {
		t.Errorf("reassign event = %+v", assigned[1])
	}

	if _, err := svc.AssignConversation(ctx, id, "h-ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown handler: err = %v", err)
	}
}

func TestResolveConversation_IdempotentEmitsOnce(t *testing.T) {
	svc, _, pub := testService(t)
	ctx := context.Background()
	res, _ := svc.SendCustomerMessage(ctx, CustomerMessage{CustomerName: "Asha", Text: "hi"})

	for i := 0; i < 2; i++ {
		conv, err := svc.ResolveConversation(ctx, res.Conversation.ID)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if conv.Status != StatusResolved {
			t.Errorf("resolve %d: Status = %s", i, conv.Status)
		}
	}
	n := 0
	for _, typ := range pub.types() {
		if typ == EventConversationResolved {
			n++
		}
	}
	if n != 1 {
		t.Errorf("resolved events = %d, want 1", n)
	}
}

// --- fanout ---

func TestFanout_IsolatesFailingSink(t *testing.T) {
	bad := &recordingPublisher{err: errBoom}
	good := &recordingPublisher{}
	f := NewFanout(zerolog.Nop())
	f.Add("bad", bad)
	f.Add("nil", nil)
	f.Add("good", good)
	if f.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", f.Len())
	}

	if err := f.Publish(context.Background(), Event{Type: EventConversationResolved, ConversationID: "c"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(bad.types()) != 1 || len(good.types()) != 1 {
		t.Errorf("bad=%d good=%d, want both delivered", len(bad.types()), len(good.types()))
	}

	var calls int
	f.Add("func", PublisherFunc(func(context.Context, Event) error { calls++; return nil }))
	f.Publish(context.Background(), Event{Type: EventTypingStarted})
	if calls != 1 {
		t.Errorf("PublisherFunc calls = %d", calls)
	}
}

func TestEventType_Versioned(t *testing.T) {
	for typ, want := range map[EventType]bool{
		EventMessageAppended:      true,
		EventConversationAssigned: true,
		EventConversationResolved: true,
		EventTypingStarted:        false,
		EventTypingStopped:        false,
	} {
		if got := typ.Versioned(); got != want {
			t.Errorf("%s.Versioned() = %v, want %v", typ, got, want)
		}
	}
}
