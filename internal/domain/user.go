package domain

import (
	"strings"
	"time"
)

// Role is the application-level permission of a staff member.
type Role string

// Role values stored in users.role.
const (
	RoleStaff Role = "Staff"
	RoleAdmin Role = "Admin"
)

// Toggle flips Staff <-> Admin.
func (r Role) Toggle() Role {
	if r == RoleAdmin {
		return RoleStaff
	}
	return RoleAdmin
}

// Profile is the application-level user record, keyed by the session's user id.
type Profile struct {
	ID          string    `json:"id"           db:"id"`
	Email       string    `json:"email"        db:"email"`
	DisplayName *string   `json:"display_name" db:"display_name"`
	Role        Role      `json:"role"         db:"role"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// Complete reports whether the profile has a usable display name.
func (p *Profile) Complete() bool {
	return p != nil && p.DisplayName != nil && strings.TrimSpace(*p.DisplayName) != ""
}

// Name returns the display name or "" when unset.
func (p *Profile) Name() string {
	if p == nil || p.DisplayName == nil {
		return ""
	}
	return *p.DisplayName
}

// IsAdmin reports whether the profile carries the Admin role.
func (p *Profile) IsAdmin() bool {
	return p != nil && p.Role == RoleAdmin
}

// ProfileFromRecord converts a users row into a Profile. Unknown columns are ignored.
func ProfileFromRecord(r Record) *Profile {
	if r == nil {
		return nil
	}
	p := &Profile{
		ID:    r.String("id"),
		Email: r.String("email"),
		Role:  Role(r.String("role")),
	}
	if p.Role == "" {
		p.Role = RoleStaff
	}
	if v, ok := r["display_name"].(string); ok {
		p.DisplayName = &v
	}
	if t, ok := r.Time("created_at"); ok {
		p.CreatedAt = t
	}
	return p
}

// SessionUser is the identity carried by a Session.
type SessionUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the token bundle issued by the identity provider. The client
// treats it as opaque apart from User.
type Session struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresAt    time.Time   `json:"expires_at"`
	User         SessionUser `json:"user"`
}

// ExpiresWithin reports whether the access token expires before now+d.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	return s != nil && !s.ExpiresAt.IsZero() && now.Add(d).After(s.ExpiresAt)
}

// Identity is the server-side record of an OAuth login (auth side; not the profile).
type Identity struct {
	ID         string    `json:"id"          db:"id"`
	Email      string    `json:"email"       db:"email"`
	Name       string    `json:"name"        db:"name"`
	AvatarURL  string    `json:"avatar_url"  db:"avatar_url"`
	Provider   string    `json:"provider"    db:"provider"`
	ProviderID string    `json:"provider_id" db:"provider_id"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// TokenPair holds the OAuth2 tokens returned after code exchange.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// UserContext is the authenticated user context injected into request handlers.
type UserContext struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	SessionID string `json:"session_id"`
}

// IsAdmin reports whether the caller holds the Admin role.
func (u *UserContext) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// AuthSession is a server-side refresh-token session. Only the SHA-256 hash
// of the refresh token is stored.
type AuthSession struct {
	ID          string     `json:"id"           db:"id"`
	IdentityID  string     `json:"identity_id"  db:"identity_id"`
	RefreshHash string     `json:"-"            db:"refresh_hash"`
	ExpiresAt   time.Time  `json:"expires_at"   db:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at"   db:"revoked_at"`
	CreatedAt   time.Time  `json:"created_at"   db:"created_at"`
}

// Active reports whether the session can still be refreshed at now.
func (s *AuthSession) Active(now time.Time) bool {
	return s != nil && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
