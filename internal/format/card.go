// Package format renders a normalized pull request event as a Teams message.
// The Adaptive Card is the preferred shape; the HTML body is sent only when
// Graph rejects the card.
package format

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shohag/teamsrelay/internal/graph"
	"github.com/shohag/teamsrelay/internal/models"
)

const (
	// CardAttachmentID links the card attachment to the message body.
	CardAttachmentID = "pr-card"

	DefaultTitle      = "Pull request"
	MaxDescriptionLen = 1000

	cardSchema  = "http://adaptivecards.io/schemas/adaptive-card.json"
	cardVersion = "1.4"
)

type adaptiveCard struct {
	Schema  string        `json:"$schema"`
	Type    string        `json:"type"`
	Version string        `json:"version"`
	Body    []cardElement `json:"body"`
	Actions []cardAction  `json:"actions,omitempty"`
}

type cardElement struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	Size     string     `json:"size,omitempty"`
	Weight   string     `json:"weight,omitempty"`
	Color    string     `json:"color,omitempty"`
	IsSubtle bool       `json:"isSubtle,omitempty"`
	Wrap     bool       `json:"wrap,omitempty"`
	Spacing  string     `json:"spacing,omitempty"`
	Facts    []cardFact `json:"facts,omitempty"`
}

type cardFact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type cardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// FormatRichCard builds the Adaptive Card message for ev. It accepts any
// event, including one where every field is a placeholder or empty.
func FormatRichCard(ev models.NormalizedEvent) *graph.ChatMessage {
	card := adaptiveCard{
		Schema:  cardSchema,
		Type:    "AdaptiveCard",
		Version: cardVersion,
		Body: []cardElement{
			{Type: "TextBlock", Text: header(ev), Size: "Small", IsSubtle: true, Wrap: true},
			{Type: "TextBlock", Text: title(ev), Size: "Large", Weight: "Bolder", Wrap: true},
			{Type: "FactSet", Facts: facts(ev)},
			{Type: "TextBlock", Text: description(ev), Wrap: true, Spacing: "Medium"},
		},
	}
	if link, ok := actionURL(ev.URL); ok {
		card.Actions = []cardAction{{Type: "Action.OpenUrl", Title: "Open pull request", URL: link}}
	}

	// The card only holds strings, encoding cannot fail.
	content, _ := json.Marshal(card)

	return &graph.ChatMessage{
		Body: graph.ItemBody{
			ContentType: graph.ContentTypeHTML,
			Content:     `<attachment id="` + CardAttachmentID + `"></attachment>`,
		},
		Attachments: []graph.Attachment{{
			ID:          CardAttachmentID,
			ContentType: graph.ContentTypeAdaptiveCard,
			Content:     string(content),
		}},
	}
}

func header(ev models.NormalizedEvent) string {
	repo := orUnknown(ev.RepositoryName)
	if ev.PullRequestID > 0 {
		return "New pull request #" + strconv.Itoa(ev.PullRequestID) + " in " + repo
	}
	return "New pull request in " + repo
}

func title(ev models.NormalizedEvent) string {
	t := strings.TrimSpace(ev.Title)
	if t == "" || t == models.PlaceholderUnknown {
		return DefaultTitle
	}
	return t
}

func facts(ev models.NormalizedEvent) []cardFact {
	return []cardFact{
		{Title: "Author", Value: orUnknown(ev.Author)},
		{Title: "Repository", Value: orUnknown(ev.RepositoryName)},
		{Title: "Branches", Value: branches(ev)},
		{Title: "Reviewers", Value: reviewers(ev)},
	}
}

func branches(ev models.NormalizedEvent) string {
	return orUnknown(ev.SourceBranch) + " → " + orUnknown(ev.TargetBranch)
}

func reviewers(ev models.NormalizedEvent) string {
	names := make([]string, 0, len(ev.Mentions))
	for _, m := range ev.Mentions {
		if m = strings.TrimSpace(m); m != "" {
			names = append(names, m)
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, ", ")
}

func description(ev models.NormalizedEvent) string {
	d := strings.TrimSpace(ev.Description)
	if d == "" {
		return models.PlaceholderDescription
	}
	return truncate(d, MaxDescriptionLen)
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// actionURL accepts only absolute http(s) URLs. Teams rejects cards whose
// OpenUrl action points anywhere else.
func actionURL(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return models.PlaceholderUnknown
	}
	return s
}
