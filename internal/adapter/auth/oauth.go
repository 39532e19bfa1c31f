// Package auth holds the OAuth2 identity providers the server signs users
// in with.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/arturoeanton/barnstaff/internal/domain"
)

// Option adjusts a provider. Used by tests to point at a fake server.
type Option func(*provider)

// WithEndpoints overrides the token endpoint and API base URLs.
func WithEndpoints(authURL, tokenURL, apiBase string) Option {
	return func(p *provider) {
		p.cfg.Endpoint = oauth2.Endpoint{AuthURL: authURL, TokenURL: tokenURL}
		p.apiBase = apiBase
	}
}

// WithHTTPClient sets the client used for token exchange and API calls.
func WithHTTPClient(h *http.Client) Option {
	return func(p *provider) { p.http = h }
}

// provider is the part every OAuth2 provider shares: the oauth2 config, the
// code exchange and authenticated JSON GETs against the provider's API.
type provider struct {
	name    string
	cfg     *oauth2.Config
	apiBase string
	http    *http.Client
	authOps []oauth2.AuthCodeOption
}

func newProvider(name string, cfg *oauth2.Config, apiBase string, opts []Option) *provider {
	p := &provider{
		name:    name,
		cfg:     cfg,
		apiBase: apiBase,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *provider) ProviderName() string { return p.name }

func (p *provider) AuthURL(state string) string {
	return p.cfg.AuthCodeURL(state, p.authOps...)
}

func (p *provider) ExchangeCode(ctx context.Context, code string) (*domain.TokenPair, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	tok, err := p.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s: token exchange: %w", p.name, err)
	}
	pair := &domain.TokenPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		pair.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		pair.IDToken = id
	}
	return pair, nil
}

// getJSON fetches apiBase+path with the user's access token into out.
func (p *provider) getJSON(ctx context.Context, accessToken, path string, out any) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.http)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: fetch %s: %w", p.name, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: %s failed (%d): %s", p.name, path, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", p.name, path, err)
	}
	return nil
}
