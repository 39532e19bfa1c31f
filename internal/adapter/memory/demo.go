package memory

import (
	"time"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

// Demo identities seeded by SeedDemo.
const (
	DemoAdminID    = "00000000-0000-4000-8000-000000000001"
	DemoAdminEmail = "manager@barn.local"
	DemoStaffID    = "00000000-0000-4000-8000-000000000002"
)

// SeedDemo fills the backend with a small barn: two users, stalls and a
// pasture, horses, today's task list from templates, feed and a few chat
// lines. now fixes the task date and the feed expirations.
func (b *Backend) SeedDemo(now time.Time) {
	day := now.Format("2006-01-02")
	date := func(days int) string { return now.AddDate(0, 0, days).Format("2006-01-02") }

	b.Seed("users",
		domain.Record{"id": DemoAdminID, "email": DemoAdminEmail, "display_name": "Maggie", "role": string(domain.RoleAdmin), "created_at": now},
		domain.Record{"id": DemoStaffID, "email": "sam@barn.local", "display_name": "Sam", "role": string(domain.RoleStaff), "created_at": now},
	)
	b.Seed("locations",
		domain.Record{"id": "loc-s1", "name": "Stall 1", "type": "Stall", "grid_row": 0, "grid_col": 0},
		domain.Record{"id": "loc-s2", "name": "Stall 2", "type": "Stall", "grid_row": 0, "grid_col": 1},
		domain.Record{"id": "loc-p1", "name": "North Pasture", "type": "Pasture", "grid_row": 1, "grid_col": 0},
		domain.Record{"id": "loc-p2", "name": "Creek Pasture", "type": "Pasture", "grid_row": 1, "grid_col": 1},
	)
	b.Seed("horses",
		domain.Record{
			"id": "horse-1", "name": "Biscuit", "owner_info": "J. Alvarez",
			"home_stall": "loc-s1", "assigned_pasture": "loc-p1", "current_location": "loc-s1",
			"am_grain": "2 qt senior", "pm_grain": "2 qt senior", "hay_type": "Timothy",
			"supplements": "Joint", "meds_notes": nil,
		},
		domain.Record{
			"id": "horse-2", "name": "Juniper", "owner_info": "R. Chen",
			"home_stall": "loc-s2", "assigned_pasture": "loc-p2", "current_location": "loc-p2",
			"am_grain": "1 qt ration balancer", "pm_grain": nil, "hay_type": "Orchard",
			"supplements": nil, "meds_notes": "Bute as needed",
		},
	)
	b.Seed("task_templates",
		domain.Record{"id": "tpl-1", "title": "Feed grain", "shift": "AM", "sort_order": 1},
		domain.Record{"id": "tpl-2", "title": "Turn out", "shift": "AM", "sort_order": 2},
		domain.Record{"id": "tpl-3", "title": "Check water", "shift": "Mid-Day", "sort_order": 1},
		domain.Record{"id": "tpl-4", "title": "Bring in and feed", "shift": "PM", "sort_order": 1},
	)
	b.Seed("tasks",
		domain.Record{"id": "task-1", "template_id": "tpl-1", "title": "Feed grain", "shift": "AM", "sort_order": 1, "task_date": day, "status": "Done", "assigned_to": DemoStaffID, "completed_at": now},
		domain.Record{"id": "task-2", "template_id": "tpl-2", "title": "Turn out", "shift": "AM", "sort_order": 2, "task_date": day, "status": "Pending", "assigned_to": DemoStaffID},
		domain.Record{"id": "task-3", "template_id": "tpl-3", "title": "Check water", "shift": "Mid-Day", "sort_order": 1, "task_date": day, "status": "Pending", "assigned_to": nil},
	)
	b.Seed("feed_inventory",
		domain.Record{"id": "feed-1", "feed_name": "Senior feed", "quantity": "6 bags", "delivery_date": date(-20), "expiration_date": date(60)},
		domain.Record{"id": "feed-2", "feed_name": "Ration balancer", "quantity": "2 bags", "delivery_date": date(-90), "expiration_date": date(5)},
		domain.Record{"id": "feed-3", "feed_name": "Alfalfa cubes", "quantity": "1 bag", "delivery_date": date(-200), "expiration_date": date(-3)},
	)
	b.Seed("messages",
		domain.Record{"id": "msg-1", "user_id": DemoStaffID, "content": "Juniper is out on Creek already", "created_at": now.Add(-time.Hour)},
		domain.Record{"id": "msg-2", "user_id": DemoAdminID, "content": "Thanks, farrier at 3", "created_at": now.Add(-30 * time.Minute)},
	)
}
