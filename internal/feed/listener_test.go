package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voidwatch/killfeed/internal/domain"
)

type mockStore struct {
	mu        sync.Mutex
	killmails map[int64]domain.Killmail
	inserts   int
}

func newMockStore() *mockStore {
	return &mockStore{killmails: make(map[int64]domain.Killmail)}
}

func (s *mockStore) InsertKillmail(ctx context.Context, km domain.Killmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if _, ok := s.killmails[km.ID]; ok {
		return ErrDuplicateKillmail
	}
	s.killmails[km.ID] = km
	return nil
}

func (s *mockStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.killmails)
}

func testConfig(feedURL string) Config {
	return Config{
		FeedURL:        feedURL,
		QueueID:        "killfeed-test",
		TTW:            1,
		RequestTimeout: 2 * time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
}

const packageBody = `{
	"package": {
		"killID": 92871234,
		"killmail_time": "2025-06-01T12:00:00Z",
		"solar_system_id": 30000142,
		"hash": "abc123hash",
		"zkb": {"totalValue": 1500000000, "points": 25, "npc": false, "solo": true, "awox": false},
		"victim": {"character_id": 1001, "corporation_id": 2001, "alliance_id": 3001, "ship_type_id": 587}
	}
}`

func TestPollOnceIngestsPackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("queueID"); got != "killfeed-test" {
			t.Errorf("queueID = %q, want killfeed-test", got)
		}
		w.Write([]byte(packageBody))
	}))
	defer srv.Close()

	store := newMockStore()
	l := New(testConfig(srv.URL), store)

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	if store.count() != 1 {
		t.Fatalf("killmails stored = %d, want 1", store.count())
	}

	km := store.killmails[92871234]
	if km.SolarSystemID != 30000142 {
		t.Errorf("solar system = %d, want 30000142", km.SolarSystemID)
	}
	if km.Hash != "abc123hash" {
		t.Errorf("hash = %q, want abc123hash", km.Hash)
	}
	if km.TotalValue != 1500000000 {
		t.Errorf("total value = %f, want 1500000000", km.TotalValue)
	}
	if !km.Solo {
		t.Error("solo flag not carried over")
	}
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !km.KillTime.Equal(want) {
		t.Errorf("kill time = %s, want %s", km.KillTime, want)
	}
}

func TestPollOnceDuplicateIsNoOp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(packageBody))
	}))
	defer srv.Close()

	store := newMockStore()
	l := New(testConfig(srv.URL), store)

	for i := 0; i < 3; i++ {
		if err := l.pollOnce(context.Background()); err != nil {
			t.Fatalf("pollOnce #%d: %v", i+1, err)
		}
	}

	if store.count() != 1 {
		t.Fatalf("killmails stored = %d, want 1 (duplicates must not create rows)", store.count())
	}
	if store.inserts != 3 {
		t.Fatalf("insert attempts = %d, want 3", store.inserts)
	}
}

func TestPollOnceEmptyPackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package": null}`))
	}))
	defer srv.Close()

	store := newMockStore()
	l := New(testConfig(srv.URL), store)

	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("killmails stored = %d, want 0", store.count())
	}
}

func TestPollOnceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMockStore()
	l := New(testConfig(srv.URL), store)

	if err := l.pollOnce(context.Background()); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestPollOnceMalformedPackageDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"package": {"killID": 5, "killmail_time": "not-a-time", "hash": "h"}}`))
	}))
	defer srv.Close()

	store := newMockStore()
	l := New(testConfig(srv.URL), store)

	// Malformed packages cannot be retried; the poll itself succeeds.
	if err := l.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("killmails stored = %d, want 0", store.count())
	}
}

func TestRunReconnectsAfterFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(packageBody))
	}))
	defer srv.Close()

	store := newMockStore()
	l := New(testConfig(srv.URL), store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("listener never recovered after a failed poll")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
