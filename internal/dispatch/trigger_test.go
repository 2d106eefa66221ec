package dispatch

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/voidwatch/killfeed/internal/config"
	"github.com/voidwatch/killfeed/internal/domain"
)

type staticCounter int

func (n staticCounter) CountRecentSystemKills(context.Context, int32, time.Time) (int, error) {
	return int(n), nil
}

func enrichedCandidate(km domain.Killmail, attackers []domain.Attacker) Candidate {
	return Candidate{
		Killmail: km,
		Enrichment: &domain.Enrichment{
			KillmailID: km.ID,
			Status:     domain.FetchStatusSuccess,
			Detail:     &domain.KillDetail{Attackers: attackers, AttackerCount: len(attackers)},
		},
	}
}

func TestTriggerEvaluate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	km := domain.Killmail{
		ID:                  1,
		KillTime:            now.Add(-time.Minute),
		SolarSystemID:       30000142,
		TotalValue:          2_000_000_000,
		VictimCharacterID:   900,
		VictimCorporationID: 9000,
	}
	groups := map[string][]int32{"tradehubs": {30000142, 30002187}}

	cases := []struct {
		name        string
		profile     config.Profile
		candidate   Candidate
		kills       staticCounter
		wantMatch   bool
		wantReasons []string
	}{
		{
			name:        "no clauses matches everything",
			profile:     config.Profile{Name: "all"},
			candidate:   Candidate{Killmail: km},
			wantMatch:   true,
			wantReasons: []string{ReasonAll},
		},
		{
			name:        "min value passes",
			profile:     config.Profile{Name: "big", MinValue: 1_000_000_000},
			candidate:   Candidate{Killmail: km},
			wantMatch:   true,
			wantReasons: []string{ReasonMinValue},
		},
		{
			name:      "min value fails",
			profile:   config.Profile{Name: "big", MinValue: 5_000_000_000},
			candidate: Candidate{Killmail: km},
		},
		{
			name:        "explicit system",
			profile:     config.Profile{Name: "local", Systems: []int32{30000142}},
			candidate:   Candidate{Killmail: km},
			wantMatch:   true,
			wantReasons: []string{ReasonLocation},
		},
		{
			name:        "location group",
			profile:     config.Profile{Name: "hubs", LocationGroups: []string{"tradehubs"}},
			candidate:   Candidate{Killmail: km},
			wantMatch:   true,
			wantReasons: []string{ReasonLocation},
		},
		{
			name:      "wrong system",
			profile:   config.Profile{Name: "local", Systems: []int32{30004759}},
			candidate: Candidate{Killmail: km},
		},
		{
			name:        "victim on watchlist",
			profile:     config.Profile{Name: "watch", WatchCharacters: []int64{900}},
			candidate:   Candidate{Killmail: km},
			wantMatch:   true,
			wantReasons: []string{ReasonWatch},
		},
		{
			name:    "attacker on watchlist needs enrichment",
			profile: config.Profile{Name: "watch", WatchCorporations: []int64{7777}},
			candidate: enrichedCandidate(km, []domain.Attacker{
				{CharacterID: 5, CorporationID: 7777, FinalBlow: true},
			}),
			wantMatch:   true,
			wantReasons: []string{ReasonWatch},
		},
		{
			name:      "attacker invisible without enrichment",
			profile:   config.Profile{Name: "watch", WatchCorporations: []int64{7777}},
			candidate: Candidate{Killmail: km},
		},
		{
			name:      "zero id never matches watchlist",
			profile:   config.Profile{Name: "watch", WatchAlliances: []int64{0}},
			candidate: Candidate{Killmail: km},
		},
		{
			name: "gatecamp threshold met",
			profile: config.Profile{Name: "camp", Gatecamp: config.GatecampConfig{
				Enabled: true, KillCount: 3, Window: config.Duration(10 * time.Minute),
			}},
			candidate:   Candidate{Killmail: km},
			kills:       4,
			wantMatch:   true,
			wantReasons: []string{ReasonGatecamp},
		},
		{
			name: "gatecamp below threshold",
			profile: config.Profile{Name: "camp", Gatecamp: config.GatecampConfig{
				Enabled: true, KillCount: 3, Window: config.Duration(10 * time.Minute),
			}},
			candidate: Candidate{Killmail: km},
			kills:     2,
		},
		{
			name: "conjunction of clauses",
			profile: config.Profile{
				Name:            "picky",
				MinValue:        1_000_000_000,
				Systems:         []int32{30000142},
				WatchCharacters: []int64{900},
			},
			candidate:   Candidate{Killmail: km},
			wantMatch:   true,
			wantReasons: []string{ReasonMinValue, ReasonLocation, ReasonWatch},
		},
		{
			name: "conjunction fails on one clause",
			profile: config.Profile{
				Name:            "picky",
				MinValue:        1_000_000_000,
				WatchCharacters: []int64{12345},
			},
			candidate: Candidate{Killmail: km},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trig := NewTrigger(tc.profile, groups, tc.kills)
			res, err := trig.Evaluate(context.Background(), tc.candidate, now)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if res.Matched != tc.wantMatch {
				t.Fatalf("Matched = %v, want %v", res.Matched, tc.wantMatch)
			}
			if tc.wantMatch && !reflect.DeepEqual(res.Reasons, tc.wantReasons) {
				t.Errorf("Reasons = %v, want %v", res.Reasons, tc.wantReasons)
			}
		})
	}
}
