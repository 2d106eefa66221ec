package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeProfiles(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}
	return path
}

const sampleProfiles = `
location_groups:
  tradehubs: [30000142, 30002187, 30002659]
profiles:
  - name: bigkills
    enabled: true
    webhook_url: https://hooks.example.com/a
    secret: s3cret
    min_value: 1000000000
    throttle: 30s
  - name: homewatch
    enabled: true
    webhook_url: https://hooks.example.com/b
    require_enriched: true
    systems: [30004759]
    location_groups: [tradehubs]
    watch_corporations: [98000001]
    gatecamp:
      enabled: true
      kill_count: 3
      window: 10m
    quiet_hours:
      start: "23:00"
      end: "07:00"
      timezone: UTC
  - name: parked
    enabled: false
`

func TestLoadProfiles(t *testing.T) {
	path := writeProfiles(t, sampleProfiles)

	p, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(p.Profiles) != 3 {
		t.Fatalf("got %d profiles, want 3", len(p.Profiles))
	}
	if got := len(p.Enabled()); got != 2 {
		t.Errorf("Enabled() returned %d profiles, want 2", got)
	}

	hw := p.Profiles[1]
	if !hw.RequireEnriched {
		t.Error("homewatch should require enrichment")
	}
	if hw.Gatecamp.Window.Std() != 10*time.Minute {
		t.Errorf("gatecamp window = %s, want 10m", hw.Gatecamp.Window.Std())
	}

	set := hw.SystemSet(p.LocationGroups)
	if len(set) != 4 {
		t.Errorf("SystemSet has %d systems, want 4 (1 explicit + 3 from tradehubs)", len(set))
	}
	if _, ok := set[30000142]; !ok {
		t.Error("SystemSet missing system from tradehubs group")
	}
}

func TestLoadProfilesUnknownGroup(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  - name: lost
    enabled: true
    webhook_url: https://hooks.example.com/x
    location_groups: [atlantis]
`)
	_, err := LoadProfiles(path)
	if err == nil || !strings.Contains(err.Error(), "atlantis") {
		t.Fatalf("LoadProfiles = %v, want unknown group error", err)
	}
}

func TestLoadProfilesEnabledWithoutWebhook(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  - name: mute
    enabled: true
`)
	_, err := LoadProfiles(path)
	if err == nil || !strings.Contains(err.Error(), "webhook_url") {
		t.Fatalf("LoadProfiles = %v, want webhook_url error", err)
	}
}

func TestLoadProfilesDuplicateName(t *testing.T) {
	path := writeProfiles(t, `
profiles:
  - name: twin
    enabled: false
  - name: twin
    enabled: false
`)
	_, err := LoadProfiles(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("LoadProfiles = %v, want duplicate name error", err)
	}
}

func TestQuietHoursContains(t *testing.T) {
	q := QuietHours{Start: "23:00", End: "07:00", Timezone: "UTC"}

	cases := []struct {
		hour int
		want bool
	}{
		{23, true},
		{2, true},
		{6, true},
		{7, false},
		{12, false},
		{22, false},
	}
	for _, tc := range cases {
		ts := time.Date(2026, 3, 1, tc.hour, 30, 0, 0, time.UTC)
		got, err := q.Contains(ts)
		if err != nil {
			t.Fatalf("Contains(%02d:30): %v", tc.hour, err)
		}
		if got != tc.want {
			t.Errorf("Contains(%02d:30) = %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestQuietHoursNonWrapping(t *testing.T) {
	q := QuietHours{Start: "09:00", End: "17:00", Timezone: "UTC"}

	in, err := q.Contains(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil || !in {
		t.Errorf("noon inside 09:00-17:00 = %v, %v", in, err)
	}
	out, err := q.Contains(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	if err != nil || out {
		t.Errorf("20:00 inside 09:00-17:00 = %v, %v", out, err)
	}
}

func TestQuietHoursUnconfigured(t *testing.T) {
	var q QuietHours
	in, err := q.Contains(time.Now())
	if err != nil || in {
		t.Errorf("unconfigured quiet hours = %v, %v, want false, nil", in, err)
	}
}
