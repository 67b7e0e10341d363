package ratelimit

import (
	"fmt"
	"time"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
)

// Denial reasons reported to callers.
const (
	ReasonUnavailable = "rate limiter unavailable"
)

// Config holds the admission thresholds and key lifetimes.
type Config struct {
	MaxConcurrent int
	MaxHourly     int
	// ActiveTTL bounds how long a crashed runner can hold a concurrency slot.
	ActiveTTL time.Duration
	// HourlyWindow is set on the hourly counter only when it is first created.
	HourlyWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxHourly <= 0 {
		c.MaxHourly = 20
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = 2 * time.Hour
	}
	if c.HourlyWindow <= 0 {
		c.HourlyWindow = time.Hour
	}
	return c
}

func (c Config) limits() crawler.Limits {
	return crawler.Limits{MaxConcurrent: c.MaxConcurrent, MaxHourly: c.MaxHourly}
}

// decide applies the admission policy. Both gates must pass.
func (c Config) decide(active, hourly int64) crawler.Admission {
	adm := crawler.Admission{
		ActiveCount: active,
		HourlyCount: hourly,
		Limits:      c.limits(),
	}
	switch {
	case active >= int64(c.MaxConcurrent):
		adm.Reason = fmt.Sprintf(
			"Maximum concurrent crawls (%d) reached. Please wait for current crawls to complete.",
			c.MaxConcurrent,
		)
	case hourly >= int64(c.MaxHourly):
		adm.Reason = fmt.Sprintf("Hourly crawl limit (%d) reached. Please try again later.", c.MaxHourly)
	default:
		adm.Allowed = true
	}
	return adm
}

// denyUnavailable is the fail-closed answer when the store cannot be read.
func (c Config) denyUnavailable() crawler.Admission {
	return crawler.Admission{
		Allowed: false,
		Reason:  ReasonUnavailable,
		Limits:  c.limits(),
	}
}
