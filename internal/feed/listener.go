// Package feed ingests the near-real-time killmail stream.
//
// The upstream feed is a long-poll queue with no durable offset: it may
// redeliver or reorder killmails, and a consumer that misses a response gets
// no second chance at it. Correctness therefore rests entirely on
// insert-if-absent by killmail id; a duplicate delivery is a silent no-op.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voidwatch/killfeed/internal/domain"
)

// ErrDuplicateKillmail is returned by Store.InsertKillmail when the killmail
// id has already been ingested.
var ErrDuplicateKillmail = errors.New("killmail already ingested")

type Store interface {
	InsertKillmail(ctx context.Context, km domain.Killmail) error
}

// MetricsSink defines the interface for recording listener metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	KillmailIngested()
	DuplicateKillmailSkipped()
	FeedPollCompleted(duration time.Duration)
	FeedPollError()
}

type Config struct {
	// FeedURL is the long-poll endpoint.
	FeedURL string

	// QueueID names this consumer's server-side queue position.
	QueueID string

	// TTW is the server-side long-poll wait, in seconds.
	TTW int

	// RequestTimeout bounds one poll round trip. Must exceed TTW.
	RequestTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the reconnect backoff after a
	// failed poll. Backoff doubles per consecutive failure.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Listener pulls killmails from the feed and persists them.
type Listener struct {
	config  Config
	store   Store
	client  *http.Client
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled
}

func New(config Config, store Store) *Listener {
	return &Listener{
		config: config,
		store:  store,
		client: &http.Client{Timeout: config.RequestTimeout},
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the listener.
func (l *Listener) WithMetrics(sink MetricsSink) *Listener {
	l.metrics = sink
	return l
}

// Run polls the feed until ctx is cancelled. An in-flight poll is allowed to
// finish or time out; it is never interrupted mid-insert.
func (l *Listener) Run(ctx context.Context) {
	log.Printf("feed: listener started (url=%s, queue=%s, ttw=%ds)", l.config.FeedURL, l.config.QueueID, l.config.TTW)

	backoff := l.config.InitialBackoff

	for {
		if ctx.Err() != nil {
			log.Println("feed: listener stopped")
			return
		}

		start := l.clock()
		err := l.pollOnce(ctx)
		if l.metrics != nil {
			l.metrics.FeedPollCompleted(l.clock().Sub(start))
		}

		if err != nil {
			if ctx.Err() != nil {
				log.Println("feed: listener stopped")
				return
			}
			if l.metrics != nil {
				l.metrics.FeedPollError()
			}
			log.Printf("feed: poll failed, reconnecting in %s: %v", backoff, err)
			select {
			case <-ctx.Done():
				log.Println("feed: listener stopped")
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > l.config.MaxBackoff {
				backoff = l.config.MaxBackoff
			}
			continue
		}

		backoff = l.config.InitialBackoff
	}
}

// pollOnce performs one long-poll round trip. An empty package (queue idle)
// is a successful poll that ingested nothing.
func (l *Listener) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.pollURL(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("poll feed: unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode feed response: %w", err)
	}

	if env.Package == nil {
		return nil
	}

	km, err := normalize(*env.Package, l.clock().UTC())
	if err != nil {
		// A malformed package cannot be retried: the queue has already
		// advanced past it. Log and move on.
		log.Printf("feed: dropping malformed package: %v", err)
		return nil
	}

	if err := l.store.InsertKillmail(ctx, km); err != nil {
		if errors.Is(err, ErrDuplicateKillmail) {
			if l.metrics != nil {
				l.metrics.DuplicateKillmailSkipped()
			}
			return nil
		}
		return fmt.Errorf("insert killmail %d: %w", km.ID, err)
	}

	if l.metrics != nil {
		l.metrics.KillmailIngested()
	}
	log.Printf("feed: ingested killmail=%d system=%d value=%.0f", km.ID, km.SolarSystemID, km.TotalValue)
	return nil
}

func (l *Listener) pollURL() string {
	q := url.Values{}
	q.Set("queueID", l.config.QueueID)
	q.Set("ttw", strconv.Itoa(l.config.TTW))
	return l.config.FeedURL + "?" + q.Encode()
}

type envelope struct {
	Package *killPackage `json:"package"`
}

type killPackage struct {
	KillID        int64  `json:"killID"`
	KillmailTime  string `json:"killmail_time"`
	SolarSystemID int32  `json:"solar_system_id"`
	Hash          string `json:"hash"`
	Zkb           struct {
		TotalValue float64 `json:"totalValue"`
		Points     int     `json:"points"`
		NPC        bool    `json:"npc"`
		Solo       bool    `json:"solo"`
		Awox       bool    `json:"awox"`
	} `json:"zkb"`
	Victim struct {
		CharacterID   int64 `json:"character_id"`
		CorporationID int64 `json:"corporation_id"`
		AllianceID    int64 `json:"alliance_id"`
		ShipTypeID    int32 `json:"ship_type_id"`
	} `json:"victim"`
}

// normalize converts a feed package into a Killmail row.
func normalize(p killPackage, ingestedAt time.Time) (domain.Killmail, error) {
	if p.KillID <= 0 {
		return domain.Killmail{}, fmt.Errorf("missing killID")
	}
	if p.Hash == "" {
		return domain.Killmail{}, fmt.Errorf("killmail %d: missing hash", p.KillID)
	}

	killTime, err := time.Parse(time.RFC3339, p.KillmailTime)
	if err != nil {
		return domain.Killmail{}, fmt.Errorf("killmail %d: bad killmail_time %q: %w", p.KillID, p.KillmailTime, err)
	}

	return domain.Killmail{
		ID:                  p.KillID,
		KillTime:            killTime.UTC(),
		SolarSystemID:       p.SolarSystemID,
		Hash:                p.Hash,
		TotalValue:          p.Zkb.TotalValue,
		Points:              p.Zkb.Points,
		NPC:                 p.Zkb.NPC,
		Solo:                p.Zkb.Solo,
		Awox:                p.Zkb.Awox,
		VictimCharacterID:   p.Victim.CharacterID,
		VictimCorporationID: p.Victim.CorporationID,
		VictimAllianceID:    p.Victim.AllianceID,
		VictimShipTypeID:    p.Victim.ShipTypeID,
		IngestedAt:          ingestedAt,
	}, nil
}
