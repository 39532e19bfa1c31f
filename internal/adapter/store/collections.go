package store

import (
	"fmt"
	"slices"

	"github.com/arturoeanton/barnstaff/internal/port"
)

type kind int

const (
	kindText kind = iota
	kindUUID
	kindInt
	kindDate
	kindTime
)

type column struct {
	name     string
	kind     kind
	readOnly bool
}

// collection is the allowlisted shape of a public table. Only these tables
// and columns are reachable through the generic record API.
type collection struct {
	name    string
	columns []column
}

func (c collection) column(name string) (column, bool) {
	for _, col := range c.columns {
		if col.name == name {
			return col, true
		}
	}
	return column{}, false
}

func (c collection) names() []string {
	out := make([]string, len(c.columns))
	for i, col := range c.columns {
		out[i] = col.name
	}
	return out
}

// projection validates requested columns; empty means every column.
func (c collection) projection(requested []string) ([]column, error) {
	if len(requested) == 0 {
		return c.columns, nil
	}
	out := make([]column, 0, len(requested)+1)
	for _, name := range requested {
		col, ok := c.column(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", port.ErrInvalidRecord, c.name, name)
		}
		out = append(out, col)
	}
	// id is always returned so joins and callers can key rows.
	if !slices.Contains(requested, "id") {
		id, _ := c.column("id")
		out = append([]column{id}, out...)
	}
	return out, nil
}

var (
	colID        = column{name: "id", kind: kindUUID}
	colCreatedAt = column{name: "created_at", kind: kindTime, readOnly: true}
)

var collections = map[string]collection{
	"users": {name: "users", columns: []column{
		colID,
		{name: "email", kind: kindText},
		{name: "display_name", kind: kindText},
		{name: "role", kind: kindText},
		colCreatedAt,
	}},
	"locations": {name: "locations", columns: []column{
		colID,
		{name: "name", kind: kindText},
		{name: "type", kind: kindText},
		{name: "grid_row", kind: kindInt},
		{name: "grid_col", kind: kindInt},
		colCreatedAt,
	}},
	"horses": {name: "horses", columns: []column{
		colID,
		{name: "name", kind: kindText},
		{name: "owner_info", kind: kindText},
		{name: "home_stall", kind: kindUUID},
		{name: "assigned_pasture", kind: kindUUID},
		{name: "current_location", kind: kindUUID},
		{name: "am_grain", kind: kindText},
		{name: "pm_grain", kind: kindText},
		{name: "hay_type", kind: kindText},
		{name: "supplements", kind: kindText},
		{name: "meds_notes", kind: kindText},
		colCreatedAt,
	}},
	"task_templates": {name: "task_templates", columns: []column{
		colID,
		{name: "title", kind: kindText},
		{name: "shift", kind: kindText},
		{name: "sort_order", kind: kindInt},
		colCreatedAt,
	}},
	"tasks": {name: "tasks", columns: []column{
		colID,
		{name: "template_id", kind: kindUUID},
		{name: "title", kind: kindText},
		{name: "shift", kind: kindText},
		{name: "sort_order", kind: kindInt},
		{name: "task_date", kind: kindDate},
		{name: "status", kind: kindText},
		{name: "assigned_to", kind: kindUUID},
		{name: "completed_at", kind: kindTime},
		colCreatedAt,
	}},
	"weekly_schedule": {name: "weekly_schedule", columns: []column{
		colID,
		{name: "user_id", kind: kindUUID},
		{name: "day_of_week", kind: kindInt},
		{name: "shift", kind: kindText},
		colCreatedAt,
	}},
	"feed_inventory": {name: "feed_inventory", columns: []column{
		colID,
		{name: "feed_name", kind: kindText},
		{name: "quantity", kind: kindText},
		{name: "delivery_date", kind: kindDate},
		{name: "expiration_date", kind: kindDate},
		colCreatedAt,
	}},
	"messages": {name: "messages", columns: []column{
		colID,
		{name: "user_id", kind: kindUUID},
		{name: "content", kind: kindText},
		colCreatedAt,
	}},
}

// Collections lists the names reachable through the record API.
func Collections() []string {
	out := make([]string, 0, len(collections))
	for name := range collections {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func lookup(name string) (collection, error) {
	c, ok := collections[name]
	if !ok {
		return collection{}, fmt.Errorf("%w: %s", port.ErrUnknownCollection, name)
	}
	return c, nil
}

// rpcs maps callable procedure names to their SQL.
var rpcs = map[string]string{
	"generate_daily_tasks": "SELECT generate_daily_tasks()",
}
