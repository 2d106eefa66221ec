package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voidwatch/killfeed/internal/domain"
)

// DetailClient fetches the authoritative killmail detail by reference.
type DetailClient interface {
	Fetch(ctx context.Context, killmailID int64, hash string) (*domain.KillDetail, error)
}

// HTTPDetailClient implements DetailClient against the external detail API.
type HTTPDetailClient struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

func NewHTTPDetailClient(baseURL, userAgent string, timeout time.Duration) *HTTPDetailClient {
	return &HTTPDetailClient{
		baseURL:   baseURL,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

// detailResponse mirrors the detail API payload.
type detailResponse struct {
	KillmailID    int64  `json:"killmail_id"`
	SolarSystemID int32  `json:"solar_system_id"`
	KillmailTime  string `json:"killmail_time"`
	Victim        struct {
		CharacterID   int64 `json:"character_id"`
		CorporationID int64 `json:"corporation_id"`
		AllianceID    int64 `json:"alliance_id"`
		ShipTypeID    int32 `json:"ship_type_id"`
		DamageTaken   int64 `json:"damage_taken"`
		Position      struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
			Z float64 `json:"z"`
		} `json:"position"`
	} `json:"victim"`
	Attackers []domain.Attacker `json:"attackers"`
}

// Fetch retrieves the full detail for one killmail. Any failure (network,
// rate limit, not-found, decode) is returned as an error; retry policy is
// the worker's concern, not the client's.
func (c *HTTPDetailClient) Fetch(ctx context.Context, killmailID int64, hash string) (*domain.KillDetail, error) {
	url := fmt.Sprintf("%s/killmails/%d/%s/", c.baseURL, killmailID, hash)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch detail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch detail: status %d", resp.StatusCode)
	}

	var dr detailResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("decode detail: %w", err)
	}

	detail := &domain.KillDetail{
		VictimCharacterID:   dr.Victim.CharacterID,
		VictimCorporationID: dr.Victim.CorporationID,
		VictimAllianceID:    dr.Victim.AllianceID,
		VictimShipTypeID:    dr.Victim.ShipTypeID,
		DamageTaken:         dr.Victim.DamageTaken,
		AttackerCount:       len(dr.Attackers),
		PositionX:           dr.Victim.Position.X,
		PositionY:           dr.Victim.Position.Y,
		PositionZ:           dr.Victim.Position.Z,
		Attackers:           dr.Attackers,
	}
	for _, a := range dr.Attackers {
		if a.FinalBlow {
			detail.FinalBlowCharacterID = a.CharacterID
			break
		}
	}

	return detail, nil
}
