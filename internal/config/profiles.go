package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// GatecampConfig configures the repeated-kills-in-one-system heuristic.
type GatecampConfig struct {
	Enabled   bool     `yaml:"enabled"`
	KillCount int      `yaml:"kill_count"`
	Window    Duration `yaml:"window"`
}

// QuietHours suppresses deliveries inside a daily window. The window may
// wrap midnight (e.g. 23:00-07:00). Suppressed events are still marked
// processed; they are not delivered later.
type QuietHours struct {
	Start    string `yaml:"start"` // "HH:MM"
	End      string `yaml:"end"`   // "HH:MM"
	Timezone string `yaml:"timezone"`
}

// Configured reports whether a quiet-hours window is set.
func (q QuietHours) Configured() bool {
	return q.Start != "" && q.End != ""
}

// Contains reports whether t falls inside the quiet window.
func (q QuietHours) Contains(t time.Time) (bool, error) {
	if !q.Configured() {
		return false, nil
	}

	tz := q.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false, fmt.Errorf("load timezone %s: %w", tz, err)
	}

	start, err := parseClock(q.Start)
	if err != nil {
		return false, fmt.Errorf("quiet hours start: %w", err)
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false, fmt.Errorf("quiet hours end: %w", err)
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()

	if start <= end {
		return minute >= start && minute < end, nil
	}
	// Window wraps midnight.
	return minute >= start || minute < end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}

// Profile is one subscriber's trigger and delivery configuration. The
// trigger is a conjunction: every configured clause must match.
type Profile struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`

	WebhookURL string `yaml:"webhook_url"`
	Secret     string `yaml:"secret"`

	// RequireEnriched restricts the worker's scan to killmails with a
	// resolved enrichment record.
	RequireEnriched bool `yaml:"require_enriched"`

	MinValue       float64  `yaml:"min_value"`
	Systems        []int32  `yaml:"systems"`
	LocationGroups []string `yaml:"location_groups"`

	WatchCharacters   []int64 `yaml:"watch_characters"`
	WatchCorporations []int64 `yaml:"watch_corporations"`
	WatchAlliances    []int64 `yaml:"watch_alliances"`

	Gatecamp GatecampConfig `yaml:"gatecamp"`

	// Throttle is the minimum spacing between deliveries for this profile.
	Throttle   Duration   `yaml:"throttle"`
	QuietHours QuietHours `yaml:"quiet_hours"`
}

// HasLocationFilter reports whether the profile restricts by location.
func (p Profile) HasLocationFilter() bool {
	return len(p.Systems) > 0 || len(p.LocationGroups) > 0
}

// HasWatchList reports whether the profile restricts by actor identity.
func (p Profile) HasWatchList() bool {
	return len(p.WatchCharacters) > 0 || len(p.WatchCorporations) > 0 || len(p.WatchAlliances) > 0
}

// SystemSet resolves the profile's explicit systems plus its referenced
// location groups into one membership set.
func (p Profile) SystemSet(groups map[string][]int32) map[int32]struct{} {
	set := make(map[int32]struct{}, len(p.Systems))
	for _, id := range p.Systems {
		set[id] = struct{}{}
	}
	for _, name := range p.LocationGroups {
		for _, id := range groups[name] {
			set[id] = struct{}{}
		}
	}
	return set
}

// Profiles is the parsed subscriber profile file.
type Profiles struct {
	// LocationGroups are named system-id sets shared by profiles, so a
	// classification like "tradehubs" is declared once.
	LocationGroups map[string][]int32 `yaml:"location_groups"`
	Profiles       []Profile          `yaml:"profiles"`
}

// Enabled returns the enabled profiles, in file order.
func (p Profiles) Enabled() []Profile {
	var out []Profile
	for _, prof := range p.Profiles {
		if prof.Enabled {
			out = append(out, prof)
		}
	}
	return out
}

// LoadProfiles reads and validates the subscriber profile file.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profiles{}, fmt.Errorf("read profiles: %w", err)
	}

	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profiles{}, fmt.Errorf("parse profiles: %w", err)
	}

	if err := p.validate(); err != nil {
		return Profiles{}, err
	}
	return p, nil
}

func (p Profiles) validate() error {
	var errs ValidationErrors

	seen := make(map[string]bool)
	for i, prof := range p.Profiles {
		field := fmt.Sprintf("profiles[%d]", i)
		if prof.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name required"})
			continue
		}
		field = "profile " + prof.Name

		if seen[prof.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate name"})
		}
		seen[prof.Name] = true

		if prof.Enabled && prof.WebhookURL == "" {
			errs = append(errs, ValidationError{Field: field, Message: "webhook_url required for enabled profile"})
		}

		for _, group := range prof.LocationGroups {
			if _, ok := p.LocationGroups[group]; !ok {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: fmt.Sprintf("unknown location group %q", group),
				})
			}
		}

		if prof.Gatecamp.Enabled {
			if prof.Gatecamp.KillCount < 2 {
				errs = append(errs, ValidationError{Field: field, Message: "gatecamp kill_count must be at least 2"})
			}
			if prof.Gatecamp.Window.Std() <= 0 {
				errs = append(errs, ValidationError{Field: field, Message: "gatecamp window must be positive"})
			}
		}

		if prof.QuietHours.Configured() {
			if _, err := prof.QuietHours.Contains(time.Now()); err != nil {
				errs = append(errs, ValidationError{Field: field, Message: err.Error()})
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
