package facility

import (
	"fmt"
	"time"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

// ExpiringWindow is how close to expiration a feed item starts warning.
const ExpiringWindow = 14

// Freshness buckets a feed item by its expiration date.
type Freshness string

// Freshness values.
const (
	FreshnessUnknown  Freshness = "unknown"
	FreshnessExpired  Freshness = "expired"
	FreshnessExpiring Freshness = "expiring"
	FreshnessOK       Freshness = "ok"
)

// Expiration is the computed status of a feed item.
type Expiration struct {
	Freshness Freshness
	DaysLeft  int
}

// Label is the short text shown next to the item.
func (e Expiration) Label() string {
	switch e.Freshness {
	case FreshnessUnknown:
		return ""
	case FreshnessExpired:
		return "Expired"
	default:
		return fmt.Sprintf("%dd left", e.DaysLeft)
	}
}

// ExpirationOf computes whole days from now until the item's
// expiration_date, truncating toward zero like a calendar difference.
func ExpirationOf(item domain.Record, now time.Time) Expiration {
	exp, ok := item.Time("expiration_date")
	if !ok {
		return Expiration{Freshness: FreshnessUnknown}
	}
	days := int(exp.Sub(now).Hours() / 24)
	switch {
	case days < 0:
		return Expiration{Freshness: FreshnessExpired, DaysLeft: days}
	case days <= ExpiringWindow:
		return Expiration{Freshness: FreshnessExpiring, DaysLeft: days}
	default:
		return Expiration{Freshness: FreshnessOK, DaysLeft: days}
	}
}
