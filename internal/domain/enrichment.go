package domain

import (
	"encoding/json"
	"time"
)

type FetchStatus string

const (
	FetchStatusSuccess     FetchStatus = "success"
	FetchStatusUnfetchable FetchStatus = "unfetchable"
)

// Enrichment is the terminal fetch outcome for one killmail, 1:1 by ID.
// It is written exactly once and never mutated; re-fetch is not supported.
// Detail is all-or-nothing: populated iff Status is success.
type Enrichment struct {
	KillmailID int64
	Status     FetchStatus
	Attempts   int
	FetchedAt  time.Time
	Detail     *KillDetail
}

// KillDetail is the authoritative payload from the detail API.
type KillDetail struct {
	VictimCharacterID    int64
	VictimCorporationID  int64
	VictimAllianceID     int64
	VictimShipTypeID     int32
	DamageTaken          int64
	AttackerCount        int
	FinalBlowCharacterID int64
	PositionX            float64
	PositionY            float64
	PositionZ            float64
	Attackers            []Attacker
}

// Attacker is one attacker entry from the detail payload.
type Attacker struct {
	CharacterID    int64   `json:"character_id,omitempty"`
	CorporationID  int64   `json:"corporation_id,omitempty"`
	AllianceID     int64   `json:"alliance_id,omitempty"`
	ShipTypeID     int32   `json:"ship_type_id,omitempty"`
	WeaponTypeID   int32   `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status,omitempty"`
}

// MarshalAttackers encodes the attacker list for the attackers column.
func MarshalAttackers(attackers []Attacker) ([]byte, error) {
	return json.Marshal(attackers)
}

// UnmarshalAttackers decodes the attackers column. A nil or empty input
// yields a nil slice.
func UnmarshalAttackers(data []byte) ([]Attacker, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var attackers []Attacker
	if err := json.Unmarshal(data, &attackers); err != nil {
		return nil, err
	}
	return attackers, nil
}

// FetchAttempt is the in-flight retry counter for one killmail. It exists
// only before a terminal Enrichment exists and is deleted when superseded.
type FetchAttempt struct {
	KillmailID    int64
	Attempts      int
	LastAttemptAt time.Time
	LastError     string
}

// FetchClaim is a time-bounded lease granting one worker the exclusive
// right to call the detail API for one killmail. A claim older than the
// configured TTL is abandoned and may be taken over by another worker.
type FetchClaim struct {
	KillmailID int64
	WorkerID   string
	ClaimedAt  time.Time
}

// Stale reports whether the claim is older than ttl at time now.
func (c FetchClaim) Stale(now time.Time, ttl time.Duration) bool {
	return c.ClaimedAt.Before(now.Add(-ttl))
}
