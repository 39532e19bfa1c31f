package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/facility"
	"github.com/arturoeanton/barnstaff/internal/middleware"
	"github.com/arturoeanton/barnstaff/internal/port"
)

type writeOp int

const (
	opInsert writeOp = iota
	opUpdate
	opDelete
)

// staffWrites lists what a non-admin may do per collection. Everything else
// is admin-only.
var staffWrites = map[string]map[writeOp]bool{
	"users":          {opInsert: true, opUpdate: true},
	"messages":       {opInsert: true},
	"tasks":          {opUpdate: true},
	"horses":         {opUpdate: true},
	"feed_inventory": {opInsert: true},
}

// undeletable collections refuse deletes regardless of role.
var undeletable = map[string]bool{"users": true}

// RecordService applies row policy and validation in front of the record
// store. Reads are open to every signed-in user.
type RecordService struct {
	store port.RecordStore
	audit middleware.AuditWriter
}

// NewRecordService wraps store. audit may be nil.
func NewRecordService(store port.RecordStore, audit middleware.AuditWriter) *RecordService {
	return &RecordService{store: store, audit: audit}
}

// Query runs a filtered read.
func (s *RecordService) Query(ctx context.Context, user *domain.UserContext, q port.Query) ([]domain.Record, error) {
	if user == nil {
		return nil, port.ErrUnauthorized
	}
	return s.store.Select(ctx, q)
}

// Get reads one row by id.
func (s *RecordService) Get(ctx context.Context, user *domain.UserContext, collection, id string) (domain.Record, error) {
	if user == nil {
		return nil, port.ErrUnauthorized
	}
	return s.store.Get(ctx, collection, id)
}

// Insert creates a row.
func (s *RecordService) Insert(ctx context.Context, user *domain.UserContext, collection string, rec domain.Record) (domain.Record, error) {
	if err := s.authorize(ctx, user, collection, opInsert, "", rec); err != nil {
		return nil, err
	}
	if err := facility.ValidateRecord(collection, rec, false); err != nil {
		return nil, err
	}
	out, err := s.store.Insert(ctx, collection, rec)
	if err != nil {
		return nil, err
	}
	s.record(user, domain.AuditActionRecordWrite, collection, out.ID(), "insert")
	return out, nil
}

// Update patches a row.
func (s *RecordService) Update(ctx context.Context, user *domain.UserContext, collection, id string, patch domain.Record) (domain.Record, error) {
	if err := s.authorize(ctx, user, collection, opUpdate, id, patch); err != nil {
		return nil, err
	}
	if err := facility.ValidateRecord(collection, patch, true); err != nil {
		return nil, err
	}
	out, err := s.store.Update(ctx, collection, id, patch)
	if err != nil {
		return nil, err
	}
	s.record(user, domain.AuditActionRecordWrite, collection, id, "update")
	return out, nil
}

// Upsert inserts or updates by id. It needs both insert and update rights.
func (s *RecordService) Upsert(ctx context.Context, user *domain.UserContext, collection string, rec domain.Record) (domain.Record, error) {
	id := rec.ID()
	if err := s.authorize(ctx, user, collection, opInsert, id, rec); err != nil {
		return nil, err
	}
	if id != "" {
		if err := s.authorize(ctx, user, collection, opUpdate, id, rec); err != nil {
			return nil, err
		}
	}
	if err := facility.ValidateRecord(collection, rec, true); err != nil {
		return nil, err
	}
	out, err := s.store.Upsert(ctx, collection, rec)
	if err != nil {
		return nil, err
	}
	s.record(user, domain.AuditActionRecordWrite, collection, out.ID(), "upsert")
	return out, nil
}

// Delete removes a row.
func (s *RecordService) Delete(ctx context.Context, user *domain.UserContext, collection, id string) error {
	if err := s.authorize(ctx, user, collection, opDelete, id, nil); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, collection, id); err != nil {
		return err
	}
	s.record(user, domain.AuditActionRecordDelete, collection, id, "delete")
	return nil
}

// Call runs a named procedure on behalf of a signed-in user.
func (s *RecordService) Call(ctx context.Context, user *domain.UserContext, name string, args domain.Record) error {
	if user == nil {
		return port.ErrUnauthorized
	}
	if err := s.store.Call(ctx, name, args); err != nil {
		return err
	}
	s.record(user, domain.AuditActionRPC, "rpc", name, name)
	return nil
}

// authorize enforces row policy. The caller's role is read from the users
// table, not the token, so a role change applies immediately.
func (s *RecordService) authorize(ctx context.Context, user *domain.UserContext, collection string, op writeOp, id string, rec domain.Record) error {
	if user == nil {
		return port.ErrUnauthorized
	}
	if op != opDelete && rec == nil {
		return fmt.Errorf("%w: empty body", port.ErrInvalidRecord)
	}
	if op == opDelete && undeletable[collection] {
		return fmt.Errorf("%w: %s rows cannot be deleted", port.ErrForbidden, collection)
	}

	admin, err := s.isAdmin(ctx, user)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}

	if !staffWrites[collection][op] {
		return fmt.Errorf("%w: %s on %s requires admin", port.ErrForbidden, opName(op), collection)
	}

	switch collection {
	case "users":
		target := id
		if target == "" {
			target = rec.ID()
		}
		if target != user.UserID {
			return fmt.Errorf("%w: staff may only write their own profile", port.ErrForbidden)
		}
		if _, ok := rec["role"]; ok {
			return fmt.Errorf("%w: role changes require admin", port.ErrForbidden)
		}
	case "messages":
		if sender := rec.String("user_id"); sender != "" && sender != user.UserID {
			return fmt.Errorf("%w: messages are sent as yourself", port.ErrForbidden)
		}
		rec["user_id"] = user.UserID
	case "tasks":
		if v, ok := rec["assigned_to"]; ok && v != user.UserID {
			return fmt.Errorf("%w: reassigning tasks requires admin", port.ErrForbidden)
		}
	}
	return nil
}

func (s *RecordService) isAdmin(ctx context.Context, user *domain.UserContext) (bool, error) {
	row, err := s.store.Get(ctx, "users", user.UserID)
	if err != nil {
		if errors.Is(err, port.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve role: %w", err)
	}
	return domain.ProfileFromRecord(row).IsAdmin(), nil
}

func (s *RecordService) record(user *domain.UserContext, action, resource, resourceID, op string) {
	if s.audit == nil {
		return
	}
	details, _ := json.Marshal(map[string]string{"op": op})
	userID := user.UserID
	go func() {
		if err := s.audit.WriteAudit(userID, action, resource, resourceID, string(details), "", ""); err != nil {
			slog.Error("failed to write audit log", "action", action, "error", err)
		}
	}()
}

func opName(op writeOp) string {
	switch op {
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	default:
		return "delete"
	}
}
