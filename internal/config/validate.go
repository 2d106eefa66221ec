package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	required := []struct {
		field, value string
	}{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"FEED_URL", cfg.FeedURL},
		{"DETAIL_API_URL", cfg.DetailAPIURL},
		{"PROFILES_PATH", cfg.ProfilesPath},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, ValidationError{Field: r.field, Message: "required"})
		}
	}

	for name, raw := range cfg.Raw {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   name,
				Message: fmt.Sprintf("invalid duration: %v", err),
			})
			continue
		}
		if d <= 0 {
			errs = append(errs, ValidationError{Field: name, Message: "must be positive"})
		}
	}

	if cfg.FeedTTW <= 0 {
		errs = append(errs, ValidationError{Field: "FEED_TTW", Message: "must be positive"})
	}
	if time.Duration(cfg.FeedTTW)*time.Second >= cfg.FeedRequestTimeout {
		errs = append(errs, ValidationError{
			Field:   "FEED_REQUEST_TIMEOUT",
			Message: fmt.Sprintf("must exceed the long-poll wait FEED_TTW (%ds)", cfg.FeedTTW),
		})
	}

	// The claim TTL bounds stale takeover: a worker still inside a detail
	// call must never look abandoned.
	if cfg.ClaimTTL <= cfg.DetailFetchTimeout {
		errs = append(errs, ValidationError{
			Field:   "CLAIM_TTL",
			Message: fmt.Sprintf("must exceed DETAIL_FETCH_TIMEOUT (%s)", cfg.DetailFetchTimeout),
		})
	}

	if cfg.DeliveryRetention <= cfg.DispatchLookback {
		errs = append(errs, ValidationError{
			Field:   "DELIVERY_RETENTION",
			Message: fmt.Sprintf("must exceed DISPATCH_LOOKBACK (%s) or late killmails can be notified twice", cfg.DispatchLookback),
		})
	}

	if cfg.EnrichMaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "ENRICH_MAX_ATTEMPTS", Message: "must be at least 1"})
	}
	if cfg.DeliveryMaxAttempts < 1 {
		errs = append(errs, ValidationError{Field: "DELIVERY_MAX_ATTEMPTS", Message: "must be at least 1"})
	}

	if _, err := cron.ParseStandard(cfg.ExpungeSchedule); err != nil {
		errs = append(errs, ValidationError{
			Field:   "EXPUNGE_SCHEDULE",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
