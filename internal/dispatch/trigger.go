package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/voidwatch/killfeed/internal/config"
	"github.com/voidwatch/killfeed/internal/domain"
)

// Trigger reason names, reported back to the subscriber in the payload.
const (
	ReasonAll      = "all"
	ReasonMinValue = "min_value"
	ReasonLocation = "location"
	ReasonWatch    = "watchlist"
	ReasonGatecamp = "gatecamp"
)

// TriggerResult is the outcome of evaluating one profile against one
// killmail. Reasons lists the clause names that matched.
type TriggerResult struct {
	Matched bool
	Reasons []string
}

// GatecampCounter counts recent kills in a solar system.
type GatecampCounter interface {
	CountRecentSystemKills(ctx context.Context, solarSystemID int32, since time.Time) (int, error)
}

// Trigger evaluates one profile's clauses against candidates. The clauses
// form a conjunction: every configured clause must match. A profile with
// no clauses matches everything.
type Trigger struct {
	profile   config.Profile
	systemSet map[int32]struct{}
	counter   GatecampCounter
}

func NewTrigger(profile config.Profile, groups map[string][]int32, counter GatecampCounter) *Trigger {
	return &Trigger{
		profile:   profile,
		systemSet: profile.SystemSet(groups),
		counter:   counter,
	}
}

// Evaluate checks the candidate against every configured clause.
// The gatecamp clause queries the store, so the call can fail.
func (t *Trigger) Evaluate(ctx context.Context, c Candidate, now time.Time) (TriggerResult, error) {
	p := t.profile
	var reasons []string

	if p.MinValue > 0 {
		if c.Killmail.TotalValue < p.MinValue {
			return TriggerResult{}, nil
		}
		reasons = append(reasons, ReasonMinValue)
	}

	if p.HasLocationFilter() {
		if _, ok := t.systemSet[c.Killmail.SolarSystemID]; !ok {
			return TriggerResult{}, nil
		}
		reasons = append(reasons, ReasonLocation)
	}

	if p.HasWatchList() {
		if !t.watchMatches(c) {
			return TriggerResult{}, nil
		}
		reasons = append(reasons, ReasonWatch)
	}

	if p.Gatecamp.Enabled {
		since := now.Add(-p.Gatecamp.Window.Std())
		n, err := t.counter.CountRecentSystemKills(ctx, c.Killmail.SolarSystemID, since)
		if err != nil {
			return TriggerResult{}, fmt.Errorf("count recent kills in system %d: %w", c.Killmail.SolarSystemID, err)
		}
		if n < p.Gatecamp.KillCount {
			return TriggerResult{}, nil
		}
		reasons = append(reasons, ReasonGatecamp)
	}

	if len(reasons) == 0 {
		reasons = []string{ReasonAll}
	}
	return TriggerResult{Matched: true, Reasons: reasons}, nil
}

// watchMatches checks the victim and, when enrichment detail exists, every
// attacker against the profile's watch lists. Without detail only the
// victim side is visible.
func (t *Trigger) watchMatches(c Candidate) bool {
	km := c.Killmail
	if t.watchesIdentity(km.VictimCharacterID, km.VictimCorporationID, km.VictimAllianceID) {
		return true
	}
	if c.Enrichment == nil || c.Enrichment.Detail == nil {
		return false
	}
	for _, a := range c.Enrichment.Detail.Attackers {
		if t.watchesIdentity(a.CharacterID, a.CorporationID, a.AllianceID) {
			return true
		}
	}
	return false
}

func (t *Trigger) watchesIdentity(charID, corpID, allianceID int64) bool {
	return containsID(t.profile.WatchCharacters, charID) ||
		containsID(t.profile.WatchCorporations, corpID) ||
		containsID(t.profile.WatchAlliances, allianceID)
}

func containsID(list []int64, id int64) bool {
	if id == 0 {
		return false
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

// buildPayload assembles the webhook body for a triggered candidate.
func buildPayload(profileName string, c Candidate, reasons []string, attempt int, firedAt time.Time) WebhookPayload {
	km := c.Killmail
	p := WebhookPayload{
		Profile:    profileName,
		KillmailID: km.ID,
		Hash:       km.Hash,
		KillTime:   km.KillTime.UTC().Format(time.RFC3339),
		SystemID:   km.SolarSystemID,
		TotalValue: km.TotalValue,
		Points:     km.Points,
		NPC:        km.NPC,
		Solo:       km.Solo,
		Victim: VictimPayload{
			CharacterID:   km.VictimCharacterID,
			CorporationID: km.VictimCorporationID,
			AllianceID:    km.VictimAllianceID,
			ShipTypeID:    km.VictimShipTypeID,
		},
		TriggerReasons: reasons,
		Attempt:        attempt,
		FiredAt:        firedAt.UTC().Format(time.RFC3339),
	}

	if c.Enrichment != nil && c.Enrichment.Status == domain.FetchStatusSuccess && c.Enrichment.Detail != nil {
		d := c.Enrichment.Detail
		p.Detail = &DetailPayload{
			DamageTaken:          d.DamageTaken,
			AttackerCount:        d.AttackerCount,
			FinalBlowCharacterID: d.FinalBlowCharacterID,
		}
	}
	return p
}
