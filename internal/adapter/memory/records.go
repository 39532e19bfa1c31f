package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

type table struct {
	rows  map[string]domain.Record
	order []string // insertion order keeps unsorted selects stable
}

func (b *Backend) tableLocked(name string) *table {
	t, ok := b.tables[name]
	if !ok {
		t = &table{rows: make(map[string]domain.Record)}
		b.tables[name] = t
	}
	return t
}

// Seed inserts records without publishing change notifications.
func (b *Backend) Seed(collection string, recs ...domain.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tableLocked(collection)
	for _, r := range recs {
		r = r.Clone()
		if r.ID() == "" {
			r["id"] = uuid.NewString()
		}
		if _, ok := t.rows[r.ID()]; !ok {
			t.order = append(t.order, r.ID())
		}
		t.rows[r.ID()] = r
	}
}

// Count returns the number of rows in collection.
func (b *Backend) Count(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tableLocked(collection).rows)
}

// Select implements port.RecordStore.
func (b *Backend) Select(ctx context.Context, q port.Query) ([]domain.Record, error) {
	if err := b.enter(ctx, OpSelect, q.Collection); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tableLocked(q.Collection)
	out := make([]domain.Record, 0, len(t.rows))
	for _, id := range t.order {
		r := t.rows[id]
		if matches(r, q.Filters) {
			out = append(out, project(r, q.Columns))
		}
	}

	if len(q.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Order {
				c := compare(out[i][o.Column], out[j][o.Column])
				if c == 0 {
					continue
				}
				if o.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}

	for _, j := range q.Joins {
		related := b.tableLocked(j.Collection)
		for _, r := range out {
			target, ok := related.rows[r.String(j.LocalKey)]
			if !ok {
				r[j.Alias] = nil
				continue
			}
			r[j.Alias] = project(target, j.Fields)
		}
	}
	return out, nil
}

// Get implements port.RecordStore.
func (b *Backend) Get(ctx context.Context, collection, id string) (domain.Record, error) {
	if err := b.enter(ctx, OpGet, collection); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.tableLocked(collection).rows[id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, port.ErrNotFound)
	}
	return r.Clone(), nil
}

// Insert implements port.RecordStore.
func (b *Backend) Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	if err := b.enter(ctx, OpInsert, collection); err != nil {
		return nil, err
	}
	b.mu.Lock()
	t := b.tableLocked(collection)
	r := rec.Clone()
	if r == nil {
		r = domain.Record{}
	}
	if r.ID() == "" {
		r["id"] = uuid.NewString()
	}
	if _, exists := t.rows[r.ID()]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("insert %s: duplicate id %s: %w", collection, r.ID(), port.ErrInvalidRecord)
	}
	b.applyDefaultsLocked(collection, r)
	t.rows[r.ID()] = r
	t.order = append(t.order, r.ID())
	out := r.Clone()
	b.mu.Unlock()

	b.publish(collection, domain.EventInsert, out.ID())
	return out, nil
}

// Update implements port.RecordStore.
func (b *Backend) Update(ctx context.Context, collection, id string, patch domain.Record) (domain.Record, error) {
	if err := b.enter(ctx, OpUpdate, collection); err != nil {
		return nil, err
	}
	b.mu.Lock()
	r, ok := b.tableLocked(collection).rows[id]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("update %s/%s: 0 rows: %w", collection, id, port.ErrNotFound)
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		r[k] = v
	}
	out := r.Clone()
	b.mu.Unlock()

	b.publish(collection, domain.EventUpdate, id)
	return out, nil
}

// Upsert implements port.RecordStore.
func (b *Backend) Upsert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	if err := b.enter(ctx, OpUpsert, collection); err != nil {
		return nil, err
	}
	b.mu.Lock()
	t := b.tableLocked(collection)
	r := rec.Clone()
	if r.ID() == "" {
		r["id"] = uuid.NewString()
	}
	event := domain.EventUpdate
	existing, ok := t.rows[r.ID()]
	if ok {
		for k, v := range r {
			existing[k] = v
		}
		r = existing
	} else {
		event = domain.EventInsert
		b.applyDefaultsLocked(collection, r)
		t.rows[r.ID()] = r
		t.order = append(t.order, r.ID())
	}
	out := r.Clone()
	b.mu.Unlock()

	b.publish(collection, event, out.ID())
	return out, nil
}

// Delete implements port.RecordStore.
func (b *Backend) Delete(ctx context.Context, collection, id string) error {
	if err := b.enter(ctx, OpDelete, collection); err != nil {
		return err
	}
	b.mu.Lock()
	t := b.tableLocked(collection)
	if _, ok := t.rows[id]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", collection, id, port.ErrNotFound)
	}
	delete(t.rows, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	b.publish(collection, domain.EventDelete, id)
	return nil
}

// Call implements port.RecordStore. Only generate_daily_tasks is known.
func (b *Backend) Call(ctx context.Context, name string, _ domain.Record) error {
	if err := b.enter(ctx, OpCall, name); err != nil {
		return err
	}
	if name != "generate_daily_tasks" {
		return fmt.Errorf("%w: %s", port.ErrUnknownRPC, name)
	}

	b.mu.Lock()
	today := b.now().Format("2006-01-02")
	tasks := b.tableLocked("tasks")
	have := make(map[string]bool)
	for _, r := range tasks.rows {
		if r.String("task_date") == today {
			have[r.String("template_id")] = true
		}
	}
	var created []string
	for _, id := range b.tableLocked("task_templates").order {
		tpl := b.tables["task_templates"].rows[id]
		if have[tpl.ID()] {
			continue
		}
		task := domain.Record{
			"id":          uuid.NewString(),
			"template_id": tpl.ID(),
			"title":       tpl["title"],
			"shift":       tpl["shift"],
			"sort_order":  tpl["sort_order"],
			"task_date":   today,
			"status":      "Pending",
			"assigned_to": nil,
			"created_at":  b.now(),
		}
		tasks.rows[task.ID()] = task
		tasks.order = append(tasks.order, task.ID())
		created = append(created, task.ID())
	}
	b.mu.Unlock()

	for _, id := range created {
		b.publish("tasks", domain.EventInsert, id)
	}
	return nil
}

func (b *Backend) applyDefaultsLocked(collection string, r domain.Record) {
	if _, ok := r["created_at"]; !ok {
		r["created_at"] = b.now()
	}
	if collection == "users" {
		if _, ok := r["role"]; !ok {
			r["role"] = string(domain.RoleStaff)
		}
		if _, ok := r["display_name"]; !ok {
			r["display_name"] = nil
		}
	}
}

func matches(r domain.Record, filters []port.Filter) bool {
	for _, f := range filters {
		v, present := r[f.Column]
		switch f.Op {
		case port.OpEq:
			if !present || compare(v, f.Value) != 0 {
				return false
			}
		case port.OpNeq:
			if present && compare(v, f.Value) == 0 {
				return false
			}
		case port.OpIsNull:
			if present && v != nil {
				return false
			}
		case port.OpIsNotNull:
			if !present || v == nil {
				return false
			}
		}
	}
	return true
}

func project(r domain.Record, columns []string) domain.Record {
	if len(columns) == 0 {
		return r.Clone()
	}
	out := make(domain.Record, len(columns))
	for _, c := range columns {
		out[c] = r[c]
	}
	return out
}

// compare orders nil first, then numbers, times and strings.
func compare(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := asTime(a); ok {
		if tb, ok := asTime(b); ok {
			return ta.Compare(tb)
		}
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// asTime accepts timestamps and the text forms rows carry after a JSON round trip.
func asTime(v any) (time.Time, bool) {
	return domain.Record{"v": v}.Time("v")
}
