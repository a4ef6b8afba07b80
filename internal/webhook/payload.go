// Package webhook parses Azure DevOps service hook payloads and normalizes
// pull request events.
package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/shohag/teamsrelay/internal/models"
)

// EventPullRequestCreated is the only event type that produces a message.
const EventPullRequestCreated = "git.pullrequest.created"

var ErrInvalidPayload = errors.New("invalid webhook payload")

// Payload is the service hook envelope. Only the fields the relay reads are
// declared; unknown fields are ignored.
type Payload struct {
	ID                 string             `json:"id"`
	EventType          string             `json:"eventType"`
	PublisherID        string             `json:"publisherId"`
	Resource           Resource           `json:"-"`
	ResourceContainers ResourceContainers `json:"resourceContainers"`
}

type Resource struct {
	PullRequestID int           `json:"pullRequestId"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	CreatedBy     Identity      `json:"createdBy"`
	Repository    Repository    `json:"repository"`
	SourceRefName string        `json:"sourceRefName"`
	TargetRefName string        `json:"targetRefName"`
	URL           string        `json:"url"`
	Reviewers     []Identity    `json:"reviewers"`
	Links         ResourceLinks `json:"_links"`
}

type Identity struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
}

type Repository struct {
	Name    string  `json:"name"`
	WebURL  string  `json:"webUrl"`
	Project Project `json:"project"`
}

type Project struct {
	Name string `json:"name"`
}

type ResourceLinks struct {
	Web struct {
		Href string `json:"href"`
	} `json:"web"`
}

type ResourceContainers struct {
	Account struct {
		BaseURL string `json:"baseUrl"`
	} `json:"account"`
}

// envelope keeps resource raw so its presence and shape can be checked
// before decoding.
type envelope struct {
	Payload
	RawResource json.RawMessage `json:"resource"`
}

// Parse validates raw against the service hook schema. Any failure wraps
// ErrInvalidPayload.
func Parse(raw []byte) (*Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(env.EventType) == "" {
		return nil, fmt.Errorf("%w: eventType is required", ErrInvalidPayload)
	}

	res := bytes.TrimSpace(env.RawResource)
	if len(res) == 0 || res[0] != '{' {
		return nil, fmt.Errorf("%w: resource must be an object", ErrInvalidPayload)
	}
	if err := json.Unmarshal(res, &env.Payload.Resource); err != nil {
		return nil, fmt.Errorf("%w: resource: %v", ErrInvalidPayload, err)
	}

	p := env.Payload
	return &p, nil
}

// IsPullRequestCreated reports whether the payload should produce a message.
func (p *Payload) IsPullRequestCreated() bool {
	return p.EventType == EventPullRequestCreated
}

// Normalize maps the payload onto a NormalizedEvent, substituting
// placeholders for absent fields.
func (p *Payload) Normalize() models.NormalizedEvent {
	r := p.Resource

	mentions := make([]string, 0, len(r.Reviewers))
	for _, rv := range r.Reviewers {
		if name := strings.TrimSpace(rv.DisplayName); name != "" {
			mentions = append(mentions, name)
		}
	}

	return models.NormalizedEvent{
		ID:             p.ID,
		EventType:      p.EventType,
		PullRequestID:  r.PullRequestID,
		Title:          orPlaceholder(r.Title, models.PlaceholderUnknown),
		Author:         orPlaceholder(r.CreatedBy.DisplayName, models.PlaceholderUnknown),
		RepositoryName: orPlaceholder(r.Repository.Name, models.PlaceholderUnknown),
		SourceBranch:   orPlaceholder(branchName(r.SourceRefName), models.PlaceholderUnknown),
		TargetBranch:   orPlaceholder(branchName(r.TargetRefName), models.PlaceholderUnknown),
		URL:            orPlaceholder(p.pullRequestURL(), models.PlaceholderUnknown),
		Description:    orPlaceholder(r.Description, models.PlaceholderDescription),
		Mentions:       mentions,
		Organization:   organization(p.ResourceContainers.Account.BaseURL),
		Project:        strings.TrimSpace(r.Repository.Project.Name),
	}
}

// pullRequestURL prefers the browser link. resource.url is the REST API
// address and is used only when nothing better is present.
func (p *Payload) pullRequestURL() string {
	r := p.Resource
	if href := strings.TrimSpace(r.Links.Web.Href); href != "" {
		return href
	}
	if web := strings.TrimSpace(r.Repository.WebURL); web != "" && r.PullRequestID > 0 {
		return strings.TrimRight(web, "/") + "/pullrequest/" + strconv.Itoa(r.PullRequestID)
	}
	return strings.TrimSpace(r.URL)
}

func branchName(ref string) string {
	return strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
}

// organization extracts the account name from either
// https://dev.azure.com/{org}/ or https://{org}.visualstudio.com/.
func organization(baseURL string) string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return ""
	}
	if host, ok := strings.CutSuffix(strings.ToLower(u.Host), ".visualstudio.com"); ok {
		return host
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return ""
	}
	org, _, _ := strings.Cut(path, "/")
	return org
}

func orPlaceholder(s, placeholder string) string {
	if s = strings.TrimSpace(s); s == "" {
		return placeholder
	}
	return s
}
