package screen

import (
	"context"
	"fmt"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/livequery"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// FeedItem is an inventory row with its expiration status.
type FeedItem struct {
	Record     domain.Record
	Expiration facility.Expiration
}

// FeedRoom shows the feed chart and the inventory.
type FeedRoom struct {
	*live
	deps      Deps
	inventory *livequery.LiveQuery
	horses    *livequery.LiveQuery
}

// OpenFeedRoom subscribes to the inventory and the horses' feed chart.
func OpenFeedRoom(ctx context.Context, d Deps) (*FeedRoom, error) {
	qs, err := openAll(ctx, d, "feed",
		livequery.Spec{
			Name: "feed.inventory",
			Query: port.Query{
				Collection: "feed_inventory",
				Order:      []port.Order{port.Asc("expiration_date")},
			},
		},
		livequery.Spec{
			Name:  "feed.horses",
			Query: port.Query{Collection: "horses", Order: []port.Order{port.Asc("name")}},
		},
	)
	if err != nil {
		return nil, err
	}
	return &FeedRoom{live: newLive(qs...), deps: d, inventory: qs[0], horses: qs[1]}, nil
}

// Chart returns the horses with their grain, hay and supplements.
func (f *FeedRoom) Chart() []domain.Record { return f.horses.Records() }

// Inventory returns deliveries, soonest expiring first.
func (f *FeedRoom) Inventory() []FeedItem {
	now := f.deps.now()
	recs := f.inventory.Records()
	out := make([]FeedItem, 0, len(recs))
	for _, r := range recs {
		out = append(out, FeedItem{Record: r, Expiration: facility.ExpirationOf(r, now)})
	}
	return out
}

// AddDelivery records a new delivery.
func (f *FeedRoom) AddDelivery(ctx context.Context, in facility.FeedDeliveryInput) (domain.Record, error) {
	if _, err := f.deps.actor(); err != nil {
		return nil, err
	}
	if err := facility.Validate(&in); err != nil {
		return nil, err
	}
	rec, err := f.deps.Backend.Insert(ctx, "feed_inventory", in.Record())
	if err != nil {
		f.deps.logger("feed").Error("add delivery failed", "feed", in.FeedName, "error", err)
		return nil, fmt.Errorf("add delivery: %w", err)
	}
	return rec, nil
}
