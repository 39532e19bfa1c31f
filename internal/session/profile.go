package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// ProfileCollection is the collection holding one profile row per user.
const ProfileCollection = "users"

// FetchProfile reads the profile row for userID, provisioning it when the
// row does not exist yet. Read failures are retried with a fixed delay and
// then degrade to a nil profile; this never returns an error. Loading is
// always cleared when it completes.
func (c *Controller) FetchProfile(ctx context.Context, userID string) *domain.Profile {
	c.mu.Lock()
	gen := c.gen
	user := domain.SessionUser{ID: userID}
	if s := c.state.Session; s != nil && s.User.ID == userID {
		user.Email = s.User.Email
	}
	c.mu.Unlock()

	return c.fetchProfile(ctx, gen, user)
}

func (c *Controller) fetchProfile(ctx context.Context, gen uint64, user domain.SessionUser) *domain.Profile {
	// Concurrent hydrations for one user share a single read/provision cycle.
	v, err, _ := c.flights.Do(user.ID, func() (any, error) {
		return c.loadProfile(ctx, user)
	})
	if err != nil && ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// The shared cycle belonged to a torn-down run; this caller is still live.
		v, err = c.loadProfile(ctx, user)
	}
	p, _ := v.(*domain.Profile)
	if err != nil {
		c.logger.Error("profile unavailable, continuing without one",
			"user_id", user.ID, "error", err)
		p = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || gen != c.gen {
		return p
	}
	if c.state.Session == nil || c.state.Session.User.ID != user.ID {
		// Someone else's profile never lands in the tuple.
		return p
	}
	c.state.Profile = p
	c.state.Loading = false
	c.stopTimerLocked()
	c.publishLocked()
	return p
}

// loadProfile is the bounded retry loop: at most maxAttempts reads, a fixed
// delay between them. A missing row is provisioned with an idempotent upsert
// keyed by id.
func (c *Controller) loadProfile(ctx context.Context, user domain.SessionUser) (*domain.Profile, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.maxAttempts; attempt++ {
		if attempt > 1 {
			c.logger.Info("retrying profile fetch", "user_id", user.ID,
				"attempt", attempt, "delay", c.opts.retryDelay)
			if err := sleep(ctx, c.opts.retryDelay); err != nil {
				return nil, err
			}
		}

		rec, err := c.backend.Get(ctx, ProfileCollection, user.ID)
		if err == nil {
			p := domain.ProfileFromRecord(rec)
			c.logger.Info("profile loaded", "user_id", user.ID,
				"display_name", p.Name(), "role", p.Role)
			return p, nil
		}

		if errors.Is(err, port.ErrNotFound) {
			rec, err = c.backend.Upsert(ctx, ProfileCollection, domain.Record{
				"id":    user.ID,
				"email": user.Email,
			})
			if err == nil {
				c.logger.Info("created missing profile row", "user_id", user.ID)
				return domain.ProfileFromRecord(rec), nil
			}
		}

		lastErr = fmt.Errorf("%w (attempt %d): %w", port.ErrProfileFetch, attempt, err)
		c.logger.Warn("profile fetch failed", "user_id", user.ID, "error", lastErr)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// UpdateDisplayName completes the profile. It requires an active session.
// When the row is missing the update falls back to an upsert; any other
// failure is returned wrapped in port.ErrProfileWrite and is not retried.
func (c *Controller) UpdateDisplayName(ctx context.Context, name string) (*domain.Profile, error) {
	c.mu.Lock()
	var user domain.SessionUser
	hasSession := c.state.Session != nil
	if hasSession {
		user = c.state.Session.User
	}
	c.mu.Unlock()

	if !hasSession {
		return nil, port.ErrNoSession
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, port.ErrInvalidDisplayName
	}

	rec, err := c.backend.Update(ctx, ProfileCollection, user.ID, domain.Record{"display_name": name})
	if errors.Is(err, port.ErrNotFound) {
		c.logger.Info("profile row missing on update, upserting", "user_id", user.ID)
		rec, err = c.backend.Upsert(ctx, ProfileCollection, domain.Record{
			"id":           user.ID,
			"email":        user.Email,
			"display_name": name,
		})
	}
	if err != nil {
		c.logger.Error("display name update failed", "user_id", user.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", port.ErrProfileWrite, err)
	}

	p := domain.ProfileFromRecord(rec)
	c.mu.Lock()
	if !c.disposed && c.state.Session != nil && c.state.Session.User.ID == user.ID {
		c.state.Profile = p
		c.publishLocked()
	}
	c.mu.Unlock()
	return p, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
