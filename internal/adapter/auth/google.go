package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

const googleAPIBase = "https://www.googleapis.com"

// GoogleProvider implements port.AuthProvider for Google OAuth2.
type GoogleProvider struct {
	*provider
}

// NewGoogleProvider creates a new Google OAuth2 provider.
func NewGoogleProvider(clientID, clientSecret, redirectURL string, opts ...Option) *GoogleProvider {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}
	p := newProvider("google", cfg, googleAPIBase, opts)
	p.authOps = []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")}
	return &GoogleProvider{provider: p}
}

// GetIdentity fetches the Google account behind accessToken.
func (g *GoogleProvider) GetIdentity(ctx context.Context, accessToken string) (*domain.Identity, error) {
	var profile struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := g.getJSON(ctx, accessToken, "/oauth2/v2/userinfo", &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("google: profile has no id")
	}
	if profile.Email == "" || !profile.VerifiedEmail {
		return nil, fmt.Errorf("google: account has no verified email")
	}
	return &domain.Identity{
		Email:      profile.Email,
		Name:       profile.Name,
		AvatarURL:  profile.Picture,
		Provider:   "google",
		ProviderID: profile.ID,
	}, nil
}
