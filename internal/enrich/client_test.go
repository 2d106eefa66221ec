package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const detailBody = `{
	"killmail_id": 92871234,
	"solar_system_id": 30000142,
	"killmail_time": "2025-06-01T12:00:00Z",
	"victim": {
		"character_id": 1001,
		"corporation_id": 2001,
		"alliance_id": 3001,
		"ship_type_id": 587,
		"damage_taken": 9001,
		"position": {"x": 1.5e11, "y": -2.5e10, "z": 3.0e9}
	},
	"attackers": [
		{"character_id": 5001, "corporation_id": 6001, "ship_type_id": 17738, "damage_done": 8000, "final_blow": true},
		{"character_id": 5002, "corporation_id": 6001, "ship_type_id": 622, "damage_done": 1001, "final_blow": false}
	]
}`

func TestDetailClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/killmails/92871234/abc123hash/" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(detailBody))
	}))
	defer srv.Close()

	c := NewHTTPDetailClient(srv.URL, "killfeed-test", time.Second)
	detail, err := c.Fetch(context.Background(), 92871234, "abc123hash")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if detail.VictimCharacterID != 1001 {
		t.Errorf("victim character = %d, want 1001", detail.VictimCharacterID)
	}
	if detail.DamageTaken != 9001 {
		t.Errorf("damage taken = %d, want 9001", detail.DamageTaken)
	}
	if detail.AttackerCount != 2 {
		t.Errorf("attacker count = %d, want 2", detail.AttackerCount)
	}
	if detail.FinalBlowCharacterID != 5001 {
		t.Errorf("final blow character = %d, want 5001", detail.FinalBlowCharacterID)
	}
	if detail.PositionX != 1.5e11 {
		t.Errorf("position x = %g, want 1.5e11", detail.PositionX)
	}
}

func TestDetailClientNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPDetailClient(srv.URL, "killfeed-test", time.Second)
	if _, err := c.Fetch(context.Background(), 1, "nohash"); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestDetailClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewHTTPDetailClient(srv.URL, "killfeed-test", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Fetch(ctx, 1, "h"); err == nil {
		t.Fatal("expected error on context timeout")
	}
}
