package screen

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// AdminSnapshot is everything the admin settings show at once.
type AdminSnapshot struct {
	Users     []domain.Record
	Locations []domain.Record
	Horses    []domain.Record
	Templates []domain.Record
	Schedule  []domain.Record
}

// Admin manages staff roles and the barn's reference data. Every call
// requires the Admin role.
type Admin struct {
	deps Deps
}

// NewAdmin returns the admin screen. It fails with port.ErrForbidden for staff.
func NewAdmin(d Deps) (*Admin, error) {
	if err := d.requireAdmin(); err != nil {
		return nil, err
	}
	return &Admin{deps: d}, nil
}

// Load fetches every admin list concurrently.
func (a *Admin) Load(ctx context.Context) (*AdminSnapshot, error) {
	if err := a.deps.requireAdmin(); err != nil {
		return nil, err
	}
	var snap AdminSnapshot
	queries := []struct {
		dst *[]domain.Record
		q   port.Query
	}{
		{&snap.Users, port.Query{Collection: "users", Order: []port.Order{port.Asc("display_name")}}},
		{&snap.Locations, port.Query{Collection: "locations", Order: []port.Order{port.Asc("type"), port.Asc("name")}}},
		{&snap.Horses, port.Query{Collection: "horses", Order: []port.Order{port.Asc("name")}}},
		{&snap.Templates, port.Query{Collection: "task_templates", Order: []port.Order{port.Asc("shift"), port.Asc("sort_order")}}},
		{&snap.Schedule, port.Query{
			Collection: "weekly_schedule",
			Order:      []port.Order{port.Asc("day_of_week")},
			Joins: []port.Join{{
				Alias: "user", Collection: "users", LocalKey: "user_id", Fields: []string{"display_name"},
			}},
		}},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, item := range queries {
		g.Go(func() error {
			recs, err := a.deps.Backend.Select(gctx, item.q)
			if err != nil {
				return fmt.Errorf("load %s: %w", item.q.Collection, err)
			}
			*item.dst = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.deps.logger("admin").Error("admin load failed", "error", err)
		return nil, err
	}
	return &snap, nil
}

// ToggleRole flips a user between Staff and Admin.
func (a *Admin) ToggleRole(ctx context.Context, userID string) (domain.Record, error) {
	if err := a.deps.requireAdmin(); err != nil {
		return nil, err
	}
	u, err := a.deps.Backend.Get(ctx, "users", userID)
	if err != nil {
		return nil, fmt.Errorf("toggle role: %w", err)
	}
	next := domain.ProfileFromRecord(u).Role.Toggle()
	rec, err := a.deps.Backend.Update(ctx, "users", userID, domain.Record{"role": string(next)})
	if err != nil {
		return nil, fmt.Errorf("toggle role: %w", err)
	}
	a.deps.logger("admin").Info("role changed", "user_id", userID, "role", next)
	return rec, nil
}

// AddLocation creates a stall or pasture.
func (a *Admin) AddLocation(ctx context.Context, in facility.LocationInput) (domain.Record, error) {
	return a.add(ctx, "locations", &in, func() domain.Record { return in.Record() })
}

// AddHorse creates a horse, starting it in its home stall.
func (a *Admin) AddHorse(ctx context.Context, in facility.HorseInput) (domain.Record, error) {
	return a.add(ctx, "horses", &in, func() domain.Record { return in.Record() })
}

// AddTemplate creates a recurring task template.
func (a *Admin) AddTemplate(ctx context.Context, in facility.TemplateInput) (domain.Record, error) {
	return a.add(ctx, "task_templates", &in, func() domain.Record { return in.Record() })
}

// AddSchedule places a staff member on a weekday shift.
func (a *Admin) AddSchedule(ctx context.Context, in facility.ScheduleInput) (domain.Record, error) {
	return a.add(ctx, "weekly_schedule", &in, func() domain.Record { return in.Record() })
}

// Delete removes a row from one of the admin-managed collections.
func (a *Admin) Delete(ctx context.Context, collection, id string) error {
	if err := a.deps.requireAdmin(); err != nil {
		return err
	}
	switch collection {
	case "locations", "horses", "task_templates", "weekly_schedule":
	default:
		return fmt.Errorf("%w: %s", port.ErrUnknownCollection, collection)
	}
	if err := a.deps.Backend.Delete(ctx, collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// add validates in, then inserts the row built by record. record must read
// in after validation so trimmed values are stored.
func (a *Admin) add(ctx context.Context, collection string, in any, record func() domain.Record) (domain.Record, error) {
	if err := a.deps.requireAdmin(); err != nil {
		return nil, err
	}
	if err := facility.Validate(in); err != nil {
		return nil, err
	}
	rec, err := a.deps.Backend.Insert(ctx, collection, record())
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", collection, err)
	}
	return rec, nil
}
