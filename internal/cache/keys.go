package cache

import (
	"strings"
	"time"

	"tickstore/internal/config"
)

// Namespace is the Redis key prefix for tickstore.
const Namespace = "tickstore"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	default:
		return 0
	}
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// LatestKey holds the newest payload stored for a symbol in a table.
func LatestKey(table, market, instrument string) string {
	return formatKey("latest", table, market, instrument)
}

// LatestTTL keeps latest-value entries short lived; writes refresh them.
func LatestTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLShort)
}

// HealthKey caches the last health report.
func HealthKey() string {
	return formatKey("health")
}

// HealthTTL returns the TTL for cached health reports.
func HealthTTL(ttl TTLSet) time.Duration {
	return ttl.Duration(TTLMedium)
}
