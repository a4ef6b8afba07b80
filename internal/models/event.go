package models

// Placeholders substituted for absent webhook fields.
const (
	PlaceholderUnknown     = "Unknown"
	PlaceholderDescription = "No description provided."
)

// NormalizedEvent is the provider independent view of a pull request
// webhook. Every string field is populated, absent source fields carry a
// placeholder.
type NormalizedEvent struct {
	ID             string
	EventType      string
	PullRequestID  int
	Title          string
	Author         string
	RepositoryName string
	SourceBranch   string
	TargetBranch   string
	URL            string
	Description    string
	Mentions       []string
	Organization   string
	Project        string
}
