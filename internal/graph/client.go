// Package graph is a thin Microsoft Graph client covering the calls needed
// to post into Teams chats and channels.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shohag/teamsrelay/internal/config"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// maxPages bounds @odata.nextLink traversal.
	maxPages = 50
)

// TokenSource hands out a live bearer token. It is asked once per request.
type TokenSource interface {
	LiveAccessToken(ctx context.Context) (string, error)
}

// Observer receives one call per HTTP exchange. status is 0 when no
// response was received.
type Observer interface {
	ObserveRequest(operation string, status int)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, int) {}

type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	limiter  *RateLimiter
	observer Observer
	log      zerolog.Logger
}

type Option func(*Client)

func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(cfg config.GraphConfig, tokens TokenSource, log zerolog.Logger, opts ...Option) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		tokens:   tokens,
		limiter:  NewRateLimiter(cfg.RequestsPerSecond, cfg.Burst),
		observer: nopObserver{},
		log:      log.With().Str("component", "graph").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendToChat posts msg into a 1:1 or group chat and returns the message id.
func (c *Client) SendToChat(ctx context.Context, chatID string, msg *ChatMessage) (string, error) {
	var out sentMessage
	u := fmt.Sprintf("%s/chats/%s/messages", c.baseURL, url.PathEscape(chatID))
	if err := c.do(ctx, "send_chat", http.MethodPost, u, msg, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// SendToChannel posts msg as a new thread in a team channel.
func (c *Client) SendToChannel(ctx context.Context, teamID, channelID string, msg *ChatMessage) (string, error) {
	var out sentMessage
	u := fmt.Sprintf("%s/teams/%s/channels/%s/messages", c.baseURL, url.PathEscape(teamID), url.PathEscape(channelID))
	if err := c.do(ctx, "send_channel", http.MethodPost, u, msg, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) ListJoinedTeams(ctx context.Context) ([]Team, error) {
	var teams []Team
	next := c.baseURL + "/me/joinedTeams?$select=id,displayName"
	for page := 0; next != "" && page < maxPages; page++ {
		var p teamPage
		if err := c.do(ctx, "list_teams", http.MethodGet, next, nil, &p); err != nil {
			return nil, err
		}
		teams = append(teams, p.Value...)
		next = p.NextLink
	}
	return teams, nil
}

func (c *Client) ListChannels(ctx context.Context, teamID string) ([]Channel, error) {
	var channels []Channel
	next := fmt.Sprintf("%s/teams/%s/channels?$select=id,displayName,membershipType", c.baseURL, url.PathEscape(teamID))
	for page := 0; next != "" && page < maxPages; page++ {
		var p channelPage
		if err := c.do(ctx, "list_channels", http.MethodGet, next, nil, &p); err != nil {
			return nil, err
		}
		channels = append(channels, p.Value...)
		next = p.NextLink
	}
	return channels, nil
}

func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	u := c.baseURL + "/me?$select=id,displayName,mail,userPrincipalName"
	if err := c.do(ctx, "get_profile", http.MethodGet, u, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, op, method, rawURL string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	token, err := c.tokens.LiveAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("%s: acquire token: %w", op, err)
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-request-id", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.observer.ObserveRequest(op, 0)
		c.log.Warn().Err(err).Str("operation", op).Str("client_request_id", requestID).Msg("graph request failed")
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	c.observer.ObserveRequest(op, resp.StatusCode)

	c.log.Debug().
		Str("operation", op).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Str("client_request_id", requestID).
		Msg("graph request")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		he := parseHTTPError(resp)
		if resp.StatusCode == http.StatusTooManyRequests {
			c.limiter.Backoff(he.RetryAfter)
		}
		return fmt.Errorf("%s: %w", op, he)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
