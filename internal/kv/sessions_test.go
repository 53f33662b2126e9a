package kv

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"dcss-portal/internal/upload"
)

func TestDecodeSession(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	fields := map[string]string{
		"file_id":       "f1",
		"content_key":   "uploads/u1/k.pdf",
		"owner":         "u1",
		"content_type":  "application/pdf",
		"declared_size": "6",
		"total":         "3",
		"state":         "receiving",
		"created_at":    created.Format(time.RFC3339Nano),
	}
	got, err := decodeSession("s1", fields, map[string]string{"0": "4", "2": "2"})
	if err != nil {
		t.Fatalf("decodeSession: %v", err)
	}
	want := &upload.Session{
		ID: "s1", FileID: "f1", ContentKey: "uploads/u1/k.pdf", Owner: "u1",
		ContentType: "application/pdf", DeclaredSize: 6, TotalParts: 3, Parts: map[int]int64{0: 4, 2: 2},
		State: upload.StateReceiving, CreatedAt: created,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSessionErrors(t *testing.T) {
	base := func() map[string]string {
		return map[string]string{"total": "1", "state": "receiving", "created_at": time.Now().Format(time.RFC3339Nano)}
	}
	tests := []struct {
		name   string
		fields map[string]string
		parts  map[string]string
	}{
		{"bad state", func() map[string]string { f := base(); f["state"] = "done"; return f }(), nil},
		{"bad total", func() map[string]string { f := base(); f["total"] = "x"; return f }(), nil},
		{"bad time", func() map[string]string { f := base(); f["created_at"] = "yesterday"; return f }(), nil},
		{"bad index", base(), map[string]string{"a": "1"}},
		{"bad size", base(), map[string]string{"0": "big"}},
		{"bad declared size", func() map[string]string { f := base(); f["declared_size"] = "lots"; return f }(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeSession("s", tt.fields, tt.parts); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := decodeSession("s", nil, nil); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Fatalf("empty hash err = %v", err)
	}
}

func newLiveStore(t *testing.T) *SessionStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	c, err := NewClient(context.Background(), Config{Addr: addr})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return NewSessionStore(c.Raw(), time.Minute)
}

func TestSessionStoreLifecycle(t *testing.T) {
	s := newLiveStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	if _, err := s.Get(ctx, id); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
	if _, err := s.AddPart(ctx, id, 0, 1); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Fatalf("AddPart missing err = %v", err)
	}

	sess := &upload.Session{ID: id, FileID: "f", ContentKey: "k", Owner: "u", ContentType: "text/plain",
		Parts: map[int]int64{}, State: upload.StateReceiving, CreatedAt: time.Now()}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if n, err := s.SetTotal(ctx, id, 3); err != nil || n != 3 {
		t.Fatalf("SetTotal = %d, %v", n, err)
	}
	if n, _ := s.SetTotal(ctx, id, 5); n != 3 {
		t.Fatalf("SetTotal overwrote stored total: %d", n)
	}

	got, err := s.AddPart(ctx, id, 2, 10)
	if err != nil {
		t.Fatalf("AddPart: %v", err)
	}
	got, _ = s.AddPart(ctx, id, 2, 10)
	if len(got.Parts) != 1 || got.Parts[2] != 10 {
		t.Fatalf("parts = %v", got.Parts)
	}

	ok, err := s.Claim(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first Claim = %v, %v", ok, err)
	}
	if ok, _ := s.Claim(ctx, id); ok {
		t.Fatal("second Claim succeeded")
	}
	if err := s.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := s.Claim(ctx, id); !ok {
		t.Fatal("Claim after Release failed")
	}

	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Claim(ctx, id); !errors.Is(err, upload.ErrSessionNotFound) {
		t.Fatalf("Claim deleted err = %v", err)
	}
}

func TestSessionStoreConcurrentClaim(t *testing.T) {
	s := newLiveStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	if err := s.Create(ctx, &upload.Session{ID: id, State: upload.StateReceiving, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.Claim(ctx, id); err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestSessionStoreAddPartEnforcesDeclaredSize(t *testing.T) {
	s := newLiveStore(t)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { _ = s.Delete(ctx, id) })

	sess := &upload.Session{ID: id, DeclaredSize: 10, Parts: map[int]int64{},
		State: upload.StateReceiving, CreatedAt: time.Now()}
	if err := s.Create(ctx, sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.AddPart(ctx, id, 0, 6); err != nil {
		t.Fatalf("AddPart 0: %v", err)
	}
	if _, err := s.AddPart(ctx, id, 1, 5); !errors.Is(err, upload.ErrTooLarge) {
		t.Fatalf("AddPart past declared size err = %v, want ErrTooLarge", err)
	}
	// Replacing index 0 frees its bytes.
	if _, err := s.AddPart(ctx, id, 0, 5); err != nil {
		t.Fatalf("AddPart replace: %v", err)
	}
	got, err := s.AddPart(ctx, id, 1, 5)
	if err != nil {
		t.Fatalf("AddPart 1: %v", err)
	}
	if got.DeclaredSize != 10 || got.Bytes() != 10 {
		t.Fatalf("session = %+v", got)
	}
}
