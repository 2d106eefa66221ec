package domain

import "time"

// Killmail is one destruction event as delivered by the feed.
// Rows are append-only: a killmail is immutable once written and is never
// deleted. The feed-supplied ID is the global identity; duplicate deliveries
// are resolved by insert-if-absent on it.
type Killmail struct {
	ID            int64
	KillTime      time.Time
	SolarSystemID int32

	// Hash is the opaque reference token required by the detail API.
	Hash string

	// Coarse denormalized metrics from the feed.
	TotalValue float64
	Points     int
	NPC        bool
	Solo       bool
	Awox       bool

	// Denormalized victim identifiers. Zero means the feed did not supply
	// the identifier (e.g. structure kills have no character).
	VictimCharacterID   int64
	VictimCorporationID int64
	VictimAllianceID    int64
	VictimShipTypeID    int32

	IngestedAt time.Time
}
