// Package facility holds the barn's business rules: task lifecycle, shift
// grouping, pasture assignments and feed expiration.
package facility

import (
	"errors"
	"fmt"
	"time"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

// TaskStatus is the lifecycle position of a daily task.
type TaskStatus string

// Task statuses.
const (
	StatusPending    TaskStatus = "Pending"
	StatusInProgress TaskStatus = "In Progress"
	StatusDone       TaskStatus = "Done"
)

// Shift is a part of the working day.
type Shift string

// Shifts in display order.
const (
	ShiftAM     Shift = "AM"
	ShiftMidDay Shift = "Mid-Day"
	ShiftPM     Shift = "PM"
)

// Shifts lists every shift in display order.
var Shifts = []Shift{ShiftAM, ShiftMidDay, ShiftPM}

// ErrTaskDone is returned when advancing a task that is already Done.
var ErrTaskDone = errors.New("task already done")

// ErrTaskStatus is returned when a task carries a status Advance does not know.
var ErrTaskStatus = errors.New("unknown task status")

// DateLayout is the format of task_date and other date-only columns.
const DateLayout = "2006-01-02"

// Today returns the date-only string tasks are filed under.
func Today(now time.Time) string {
	return now.Format(DateLayout)
}

// Advance returns the patch moving a task one step forward. Starting a task
// assigns it to the acting user; finishing stamps completed_at.
func Advance(task domain.Record, actorID string, now time.Time) (domain.Record, error) {
	switch status := TaskStatus(task.String("status")); status {
	case StatusPending:
		return domain.Record{
			"status":      string(StatusInProgress),
			"assigned_to": actorID,
		}, nil
	case StatusInProgress:
		return domain.Record{
			"status":       string(StatusDone),
			"completed_at": now.UTC().Format(time.RFC3339),
		}, nil
	case StatusDone:
		return nil, ErrTaskDone
	default:
		return nil, fmt.Errorf("%w: %q", ErrTaskStatus, status)
	}
}

// Reassign returns the patch assigning a task; an empty userID unassigns it.
func Reassign(userID string) domain.Record {
	if userID == "" {
		return domain.Record{"assigned_to": nil}
	}
	return domain.Record{"assigned_to": userID}
}

// GroupByShift buckets tasks by shift, keeping their order. Tasks with an
// unknown shift are dropped.
func GroupByShift(tasks []domain.Record) map[Shift][]domain.Record {
	out := make(map[Shift][]domain.Record, len(Shifts))
	for _, t := range tasks {
		s := Shift(t.String("shift"))
		switch s {
		case ShiftAM, ShiftMidDay, ShiftPM:
			out[s] = append(out[s], t)
		}
	}
	return out
}

// DoneCount counts finished tasks.
func DoneCount(tasks []domain.Record) int {
	n := 0
	for _, t := range tasks {
		if TaskStatus(t.String("status")) == StatusDone {
			n++
		}
	}
	return n
}
