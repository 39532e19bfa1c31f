package auth

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

const githubAPIBase = "https://api.github.com"

// GitHubProvider implements port.AuthProvider for GitHub OAuth.
type GitHubProvider struct {
	*provider
}

// NewGitHubProvider creates a new GitHub OAuth provider.
func NewGitHubProvider(clientID, clientSecret, redirectURL string, opts ...Option) *GitHubProvider {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"read:user", "user:email"},
		Endpoint:     github.Endpoint,
	}
	return &GitHubProvider{provider: newProvider("github", cfg, githubAPIBase, opts)}
}

// GetIdentity fetches the GitHub user behind accessToken. A private email
// is looked up through /user/emails.
func (g *GitHubProvider) GetIdentity(ctx context.Context, accessToken string) (*domain.Identity, error) {
	var profile struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := g.getJSON(ctx, accessToken, "/user", &profile); err != nil {
		return nil, err
	}
	if profile.ID == 0 {
		return nil, fmt.Errorf("github: profile has no id")
	}

	email := profile.Email
	if email == "" {
		var err error
		if email, err = g.primaryEmail(ctx, accessToken); err != nil {
			return nil, err
		}
	}

	name := profile.Name
	if name == "" {
		name = profile.Login
	}

	return &domain.Identity{
		Email:      email,
		Name:       name,
		AvatarURL:  profile.AvatarURL,
		Provider:   "github",
		ProviderID: strconv.FormatInt(profile.ID, 10),
	}, nil
}

// primaryEmail returns the primary verified address.
func (g *GitHubProvider) primaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := g.getJSON(ctx, accessToken, "/user/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", fmt.Errorf("github: account has no verified primary email")
}
