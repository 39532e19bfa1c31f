package screen

import (
	"context"
	"fmt"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/livequery"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// FacilityMap shows where every horse is.
type FacilityMap struct {
	*live
	deps      Deps
	locations *livequery.LiveQuery
	horses    *livequery.LiveQuery
}

// OpenFacilityMap loads the grid and the horses concurrently and keeps both live.
func OpenFacilityMap(ctx context.Context, d Deps) (*FacilityMap, error) {
	qs, err := openAll(ctx, d, "map",
		livequery.Spec{
			Name: "map.locations",
			Query: port.Query{
				Collection: "locations",
				Order:      []port.Order{port.Asc("grid_row"), port.Asc("grid_col")},
			},
		},
		livequery.Spec{
			Name:  "map.horses",
			Query: port.Query{Collection: "horses"},
		},
	)
	if err != nil {
		return nil, err
	}
	return &FacilityMap{live: newLive(qs...), deps: d, locations: qs[0], horses: qs[1]}, nil
}

// Locations returns stalls and pastures in grid order.
func (m *FacilityMap) Locations() []domain.Record { return m.locations.Records() }

// Horses returns every horse.
func (m *FacilityMap) Horses() []domain.Record { return m.horses.Records() }

// Occupants returns the horses currently at a location.
func (m *FacilityMap) Occupants(locationID string) []domain.Record {
	return facility.HorsesAt(m.horses.Records(), "current_location", locationID)
}

// Move puts a horse somewhere else. Moving to a pasture other than the
// horse's assigned one returns a *facility.PastureWarning unless force is set.
func (m *FacilityMap) Move(ctx context.Context, horseID, locationID string, force bool) (domain.Record, error) {
	if _, err := m.deps.actor(); err != nil {
		return nil, err
	}
	horse, err := m.deps.Backend.Get(ctx, "horses", horseID)
	if err != nil {
		return nil, fmt.Errorf("move horse %s: %w", horseID, err)
	}
	target, err := m.deps.Backend.Get(ctx, "locations", locationID)
	if err != nil {
		return nil, fmt.Errorf("move horse %s: %w", horseID, err)
	}
	if !force {
		if err := facility.CheckMove(horse, target, m.locations.Records()); err != nil {
			return nil, err
		}
	}
	rec, err := m.deps.Backend.Update(ctx, "horses", horseID, domain.Record{"current_location": locationID})
	if err != nil {
		m.deps.logger("map").Error("move horse failed", "horse_id", horseID, "error", err)
		return nil, fmt.Errorf("move horse %s: %w", horseID, err)
	}
	return rec, nil
}
