package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/middleware"
	"github.com/arturoeanton/barnstaff/internal/port"
	"github.com/arturoeanton/barnstaff/pkg/config"
)

// IdentityStore is the persistence the auth flow needs.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, id *domain.Identity) (*domain.Identity, error)
	GetIdentity(ctx context.Context, id string) (*domain.Identity, error)
	RoleOf(ctx context.Context, userID string) (domain.Role, error)
	CreateAuthSession(ctx context.Context, identityID, refreshHash string, expiresAt time.Time) (*domain.AuthSession, error)
	GetAuthSessionByHash(ctx context.Context, refreshHash string) (*domain.AuthSession, error)
	RotateAuthSession(ctx context.Context, id, oldHash, newHash string, expiresAt time.Time) error
	RevokeAuthSession(ctx context.Context, id string) error
}

// loginTTL bounds how long a consent screen may stay open.
const loginTTL = 10 * time.Minute

type pendingLogin struct {
	provider   string
	redirectTo string
	expires    time.Time
}

// AuthService handles the authentication flow: OAuth consent, token
// sessions, refresh rotation and sign-out.
type AuthService struct {
	providers port.AuthProviderRegistry
	store     IdentityStore
	audit     middleware.AuditWriter
	jwtCfg    middleware.JWTConfig

	refreshTTL      time.Duration
	allowedOrigins  []string
	defaultRedirect string
	now             func() time.Time

	mu      sync.Mutex
	pending map[string]pendingLogin

	refreshes singleflight.Group
}

// NewAuthService creates a new authentication service. audit may be nil.
func NewAuthService(providers port.AuthProviderRegistry, store IdentityStore, audit middleware.AuditWriter, cfg *config.Config) *AuthService {
	return &AuthService{
		providers: providers,
		store:     store,
		audit:     audit,
		jwtCfg: middleware.JWTConfig{
			Secret:    cfg.JWTSecret,
			Issuer:    cfg.JWTIssuer,
			ExpiresIn: cfg.JWTExpiration,
		},
		refreshTTL:      cfg.RefreshTTL,
		allowedOrigins:  []string{originOf(cfg.FrontendURL), originOf(cfg.AppOrigin)},
		defaultRedirect: cfg.FrontendURL,
		now:             time.Now,
		pending:         make(map[string]pendingLogin),
	}
}

// JWTConfig returns the access-token settings for the JWT middleware.
func (s *AuthService) JWTConfig() middleware.JWTConfig {
	return s.jwtCfg
}

// GetAuthURL starts a login: it records where the browser should land
// afterwards and returns the provider's consent URL. The state carries the
// provider name so a shared callback route can dispatch.
func (s *AuthService) GetAuthURL(providerName, redirectTo string) (string, error) {
	provider, ok := s.providers[providerName]
	if !ok {
		return "", fmt.Errorf("%w: %s", port.ErrUnknownProvider, providerName)
	}
	if redirectTo == "" {
		redirectTo = s.defaultRedirect
	}
	if !s.redirectAllowed(redirectTo) {
		return "", fmt.Errorf("%w: redirect %q not allowed", port.ErrForbidden, redirectTo)
	}

	nonce := generateState()
	now := s.now()

	s.mu.Lock()
	for k, p := range s.pending {
		if now.After(p.expires) {
			delete(s.pending, k)
		}
	}
	s.pending[nonce] = pendingLogin{provider: providerName, redirectTo: redirectTo, expires: now.Add(loginTTL)}
	s.mu.Unlock()

	return provider.AuthURL(providerName + ":" + nonce), nil
}

// takeState consumes a login state exactly once.
func (s *AuthService) takeState(state string) (pendingLogin, error) {
	_, nonce, ok := strings.Cut(state, ":")
	if !ok {
		return pendingLogin{}, fmt.Errorf("%w: malformed state", port.ErrTokenInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[nonce]
	delete(s.pending, nonce)
	if !ok || s.now().After(p.expires) {
		return pendingLogin{}, fmt.Errorf("%w: unknown or expired state", port.ErrTokenInvalid)
	}
	return p, nil
}

// HandleCallback processes the OAuth2 callback: exchanges the code, upserts
// the identity and opens a token session. It returns the session and the
// redirect target recorded at login.
func (s *AuthService) HandleCallback(ctx context.Context, state, code string) (*domain.Session, string, error) {
	login, err := s.takeState(state)
	if err != nil {
		return nil, "", err
	}
	provider, ok := s.providers[login.provider]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", port.ErrUnknownProvider, login.provider)
	}

	tokens, err := provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("exchange code: %w", err)
	}

	ident, err := provider.GetIdentity(ctx, tokens.AccessToken)
	if err != nil {
		return nil, "", fmt.Errorf("get identity: %w", err)
	}

	ident, err = s.store.UpsertIdentity(ctx, ident)
	if err != nil {
		return nil, "", fmt.Errorf("upsert identity: %w", err)
	}

	refresh := newRefreshToken()
	authSess, err := s.store.CreateAuthSession(ctx, ident.ID, hashToken(refresh), s.now().Add(s.refreshTTL))
	if err != nil {
		return nil, "", fmt.Errorf("create auth session: %w", err)
	}

	sess, err := s.issue(ctx, ident, authSess.ID, refresh)
	if err != nil {
		return nil, "", err
	}

	slog.Info("user authenticated", "user_id", ident.ID, "provider", login.provider)
	s.record(ident.ID, domain.AuditActionLogin, authSess.ID, login.provider)
	return sess, login.redirectTo, nil
}

// Refresh exchanges a refresh token for a new session, rotating the
// refresh token. Concurrent refreshes with the same token share one result.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: missing refresh token", port.ErrTokenInvalid)
	}
	oldHash := hashToken(refreshToken)

	v, err, _ := s.refreshes.Do(oldHash, func() (any, error) {
		authSess, err := s.store.GetAuthSessionByHash(ctx, oldHash)
		if errors.Is(err, port.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown refresh token", port.ErrTokenInvalid)
		}
		if err != nil {
			return nil, fmt.Errorf("refresh: %w", err)
		}
		if !authSess.Active(s.now()) {
			return nil, port.ErrTokenExpired
		}

		ident, err := s.store.GetIdentity(ctx, authSess.IdentityID)
		if err != nil {
			return nil, fmt.Errorf("refresh identity: %w", err)
		}

		next := newRefreshToken()
		err = s.store.RotateAuthSession(ctx, authSess.ID, oldHash, hashToken(next), s.now().Add(s.refreshTTL))
		if errors.Is(err, port.ErrNotFound) {
			return nil, fmt.Errorf("%w: refresh token already used", port.ErrTokenInvalid)
		}
		if err != nil {
			return nil, fmt.Errorf("refresh: %w", err)
		}

		s.record(ident.ID, domain.AuditActionRefresh, authSess.ID, "")
		return s.issue(ctx, ident, authSess.ID, next)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

// Logout revokes the caller's token session.
func (s *AuthService) Logout(ctx context.Context, user *domain.UserContext) error {
	if user == nil || user.SessionID == "" {
		return port.ErrUnauthorized
	}
	if err := s.store.RevokeAuthSession(ctx, user.SessionID); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	slog.Info("user signed out", "user_id", user.UserID)
	s.record(user.UserID, domain.AuditActionLogout, user.SessionID, "")
	return nil
}

// issue signs an access token for ident within auth session sid.
func (s *AuthService) issue(ctx context.Context, ident *domain.Identity, sid, refresh string) (*domain.Session, error) {
	role, err := s.store.RoleOf(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	access, exp, err := middleware.GenerateAccessToken(domain.UserContext{
		UserID:    ident.ID,
		Email:     ident.Email,
		Role:      role,
		SessionID: sid,
	}, s.jwtCfg, s.now())
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    exp,
		User:         domain.SessionUser{ID: ident.ID, Email: ident.Email},
	}, nil
}

func (s *AuthService) record(userID, action, resourceID, details string) {
	if s.audit == nil {
		return
	}
	payload := `{}`
	if details != "" {
		payload = fmt.Sprintf(`{"provider":%q}`, details)
	}
	go func() {
		if err := s.audit.WriteAudit(userID, action, "auth", resourceID, payload, "", ""); err != nil {
			slog.Error("failed to write audit log", "action", action, "error", err)
		}
	}()
}

// redirectAllowed accepts the configured application origins and any
// loopback origin, which is where the CLI listens for the redirect.
func (s *AuthService) redirectAllowed(target string) bool {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	origin := u.Scheme + "://" + u.Host
	for _, allowed := range s.allowedOrigins {
		if allowed != "" && origin == allowed {
			return true
		}
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		return ip.IsLoopback()
	}
	return u.Hostname() == "localhost"
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func generateState() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func newRefreshToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
