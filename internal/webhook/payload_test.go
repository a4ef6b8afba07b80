package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/teamsrelay/internal/models"
)

const createdPayload = `{
	"id": "6872ee8c-b333-4eff-bfb9-0d5274943566",
	"eventType": "git.pullrequest.created",
	"publisherId": "tfs",
	"resource": {
		"pullRequestId": 17,
		"title": "Fix bug",
		"description": "Handles the nil case",
		"createdBy": {"displayName": "Ada", "uniqueName": "ada@contoso.com"},
		"repository": {
			"name": "engine",
			"webUrl": "https://dev.azure.com/contoso/Platform/_git/engine",
			"project": {"name": "Platform"}
		},
		"sourceRefName": "refs/heads/feature/nil-check",
		"targetRefName": "refs/heads/main",
		"url": "https://dev.azure.com/contoso/_apis/git/repositories/1/pullRequests/17",
		"reviewers": [{"displayName": "Grace"}, {"displayName": " "}, {"displayName": "Linus"}],
		"_links": {"web": {"href": "https://dev.azure.com/contoso/Platform/_git/engine/pullrequest/17"}}
	},
	"resourceContainers": {"account": {"baseUrl": "https://dev.azure.com/contoso/"}}
}`

func TestParse_Valid(t *testing.T) {
	p, err := Parse([]byte(createdPayload))
	require.NoError(t, err)
	assert.True(t, p.IsPullRequestCreated())

	ev := p.Normalize()
	assert.Equal(t, models.NormalizedEvent{
		ID:             "6872ee8c-b333-4eff-bfb9-0d5274943566",
		EventType:      EventPullRequestCreated,
		PullRequestID:  17,
		Title:          "Fix bug",
		Author:         "Ada",
		RepositoryName: "engine",
		SourceBranch:   "feature/nil-check",
		TargetBranch:   "main",
		URL:            "https://dev.azure.com/contoso/Platform/_git/engine/pullrequest/17",
		Description:    "Handles the nil case",
		Mentions:       []string{"Grace", "Linus"},
		Organization:   "contoso",
		Project:        "Platform",
	}, ev)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `eventType=git.push`},
		{name: "empty body", raw: ``},
		{name: "array", raw: `[]`},
		{name: "missing event type", raw: `{"resource": {}}`},
		{name: "blank event type", raw: `{"eventType": "  ", "resource": {}}`},
		{name: "event type wrong type", raw: `{"eventType": 7, "resource": {}}`},
		{name: "missing resource", raw: `{"eventType": "git.pullrequest.created"}`},
		{name: "null resource", raw: `{"eventType": "git.pullrequest.created", "resource": null}`},
		{name: "resource is a string", raw: `{"eventType": "git.pullrequest.created", "resource": "pr"}`},
		{name: "title wrong type", raw: `{"eventType": "git.pullrequest.created", "resource": {"title": ["a"]}}`},
		{name: "reviewers wrong type", raw: `{"eventType": "git.pullrequest.created", "resource": {"reviewers": "Grace"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestIsPullRequestCreated(t *testing.T) {
	for _, eventType := range []string{"git.push", "git.pullrequest.updated", "git.pullrequest.merged", "build.complete"} {
		p, err := Parse([]byte(`{"eventType": "` + eventType + `", "resource": {}}`))
		require.NoError(t, err)
		assert.False(t, p.IsPullRequestCreated(), eventType)
	}
}

func TestNormalize_Placeholders(t *testing.T) {
	p, err := Parse([]byte(`{"eventType": "git.pullrequest.created", "resource": {}}`))
	require.NoError(t, err)

	ev := p.Normalize()
	assert.Equal(t, models.PlaceholderUnknown, ev.Title)
	assert.Equal(t, models.PlaceholderUnknown, ev.Author)
	assert.Equal(t, models.PlaceholderUnknown, ev.RepositoryName)
	assert.Equal(t, models.PlaceholderUnknown, ev.SourceBranch)
	assert.Equal(t, models.PlaceholderUnknown, ev.TargetBranch)
	assert.Equal(t, models.PlaceholderUnknown, ev.URL)
	assert.Equal(t, models.PlaceholderDescription, ev.Description)
	assert.NotNil(t, ev.Mentions)
	assert.Empty(t, ev.Mentions)
	assert.Empty(t, ev.Organization)
	assert.Empty(t, ev.Project)
}

func TestNormalize_URLPreference(t *testing.T) {
	tests := []struct {
		name     string
		resource string
		want     string
	}{
		{
			name:     "web link",
			resource: `{"pullRequestId": 3, "url": "https://api/3", "repository": {"webUrl": "https://web/repo"}, "_links": {"web": {"href": "https://web/pr/3"}}}`,
			want:     "https://web/pr/3",
		},
		{
			name:     "repository web url",
			resource: `{"pullRequestId": 3, "url": "https://api/3", "repository": {"webUrl": "https://web/repo/"}}`,
			want:     "https://web/repo/pullrequest/3",
		},
		{
			name:     "api url",
			resource: `{"url": "https://x"}`,
			want:     "https://x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(`{"eventType": "git.pullrequest.created", "resource": ` + tt.resource + `}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Normalize().URL)
		})
	}
}

func TestOrganization(t *testing.T) {
	tests := map[string]string{
		"https://dev.azure.com/contoso/":          "contoso",
		"https://dev.azure.com/contoso/Platform/": "contoso",
		"https://Fabrikam.visualstudio.com/":      "fabrikam",
		"https://dev.azure.com/":                  "",
		"":                                        "",
		"not a url":                               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, organization(in), in)
	}
}
