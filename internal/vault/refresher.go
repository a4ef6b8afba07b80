package vault

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/shohag/teamsrelay/internal/config"
)

const defaultTokenLifetime = time.Hour

// RefreshedToken is the result of one refresh_token grant.
type RefreshedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error)
}

// OAuthRefresher performs the refresh_token grant against the Azure AD v2
// token endpoint.
type OAuthRefresher struct {
	config *oauth2.Config
	client *http.Client
}

func NewOAuthRefresher(cfg config.OAuthConfig) *OAuthRefresher {
	endpoint := microsoft.AzureADEndpoint(cfg.Tenant)
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		client: &http.Client{Timeout: timeout},
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token exchange: %w", err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenLifetime)
	}
	scope, _ := tok.Extra("scope").(string)

	return &RefreshedToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    expiresAt,
		Scope:        scope,
	}, nil
}
