package screen

import (
	"context"
	"errors"
	"fmt"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/livequery"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// TaskBoardSpec is the live query over the given day's tasks.
func TaskBoardSpec(day string) livequery.Spec {
	return livequery.Spec{
		Name: "tasks",
		Query: port.Query{
			Collection: "tasks",
			Filters:    []port.Filter{port.Eq("task_date", day)},
			Order:      []port.Order{port.Asc("sort_order")},
			Joins: []port.Join{{
				Alias:      "assigned_user",
				Collection: "users",
				LocalKey:   "assigned_to",
				Fields:     []string{"display_name"},
			}},
		},
		Events: port.EventsAll,
	}
}

// TaskBoard shows today's tasks grouped by shift.
type TaskBoard struct {
	*live
	deps Deps
	lq   *livequery.LiveQuery
	day  string
}

// OpenTaskBoard subscribes to today's tasks.
func OpenTaskBoard(ctx context.Context, d Deps) (*TaskBoard, error) {
	day := facility.Today(d.now())
	qs, err := openAll(ctx, d, "tasks", TaskBoardSpec(day))
	if err != nil {
		return nil, err
	}
	return &TaskBoard{live: newLive(qs...), deps: d, lq: qs[0], day: day}, nil
}

// Day is the task_date the board shows.
func (b *TaskBoard) Day() string { return b.day }

// Tasks returns the current tasks in sort order.
func (b *TaskBoard) Tasks() []domain.Record {
	return b.lq.Records()
}

// Grouped buckets the current tasks by shift.
func (b *TaskBoard) Grouped() map[facility.Shift][]domain.Record {
	return facility.GroupByShift(b.lq.Records())
}

// Advance moves a task one step forward. Advancing a Done task is a no-op.
func (b *TaskBoard) Advance(ctx context.Context, taskID string) (domain.Record, error) {
	actor, err := b.deps.actor()
	if err != nil {
		return nil, err
	}
	task, err := b.deps.Backend.Get(ctx, "tasks", taskID)
	if err != nil {
		return nil, fmt.Errorf("advance task %s: %w", taskID, err)
	}
	patch, err := facility.Advance(task, actor, b.deps.now())
	if errors.Is(err, facility.ErrTaskDone) {
		return task, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := b.deps.Backend.Update(ctx, "tasks", taskID, patch)
	if err != nil {
		b.deps.logger("tasks").Error("advance task failed", "task_id", taskID, "error", err)
		return nil, fmt.Errorf("advance task %s: %w", taskID, err)
	}
	return rec, nil
}

// Reassign sets or clears a task's assignee. Admin only.
func (b *TaskBoard) Reassign(ctx context.Context, taskID, userID string) (domain.Record, error) {
	if err := b.deps.requireAdmin(); err != nil {
		return nil, err
	}
	rec, err := b.deps.Backend.Update(ctx, "tasks", taskID, facility.Reassign(userID))
	if err != nil {
		return nil, fmt.Errorf("reassign task %s: %w", taskID, err)
	}
	return rec, nil
}

// GenerateDaily asks the backend to copy the task templates into today's tasks.
func (b *TaskBoard) GenerateDaily(ctx context.Context) error {
	if _, err := b.deps.actor(); err != nil {
		return err
	}
	if err := b.deps.Backend.Call(ctx, "generate_daily_tasks", nil); err != nil {
		b.deps.logger("tasks").Error("generate daily tasks failed", "error", err)
		return fmt.Errorf("generate daily tasks: %w", err)
	}
	return nil
}

// Staff lists users who completed their profile, for assignment pickers.
func (b *TaskBoard) Staff(ctx context.Context) ([]domain.Record, error) {
	return b.deps.Backend.Select(ctx, port.Query{
		Collection: "users",
		Columns:    []string{"id", "display_name"},
		Filters:    []port.Filter{port.NotNull("display_name")},
		Order:      []port.Order{port.Asc("display_name")},
	})
}

// AssigneeName resolves who a task is assigned to: the joined name, then
// the staff list, then the placeholder. Unassigned tasks return "".
func AssigneeName(task domain.Record, staff []domain.Record) string {
	if name := task.Nested("assigned_user").String("display_name"); name != "" && name != livequery.Placeholder {
		return name
	}
	id := task.String("assigned_to")
	if id == "" {
		return ""
	}
	for _, u := range staff {
		if u.ID() == id {
			if n := u.String("display_name"); n != "" {
				return n
			}
		}
	}
	return livequery.Placeholder
}
