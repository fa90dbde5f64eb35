package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rj8b0000/gsb-admin-backend/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testDB opens an in-memory SQLite database with the support schema and two
// handlers.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&models.Conversation{}, &models.Message{}, &models.Handler{}, &models.HandlerAssignment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, h := range []models.Handler{
		{ID: "h-alice", Name: "Alice", Department: "nutrition", Active: true},
		{ID: "h-bob", Name: "Bob", Department: "training", Active: true},
	} {
		if err := db.Create(&h).Error; err != nil {
			t.Fatalf("seed handler: %v", err)
		}
	}
	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(StoreOpts{DB: testDB(t)})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// fakeUploader records uploads and optionally fails them.
type fakeUploader struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (u *fakeUploader) Upload(_ context.Context, data []byte, mimeType, folder, filename string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, folder+"/"+filename)
	if u.err != nil {
		return "", u.err
	}
	return "https://cdn.test/" + folder + "/" + filename, nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func testService(t *testing.T) (*Service, *fakeUploader, *recordingPublisher) {
	t.Helper()
	up := &fakeUploader{}
	pub := &recordingPublisher{}
	svc, err := NewService(ServiceOpts{
		Store:          testStore(t),
		Uploader:       up,
		Publisher:      pub,
		MaxUploadBytes: 1024,
		Logger:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, up, pub
}

var errBoom = errors.New("boom")
