package models

import "time"

// Subscription routes the webhooks posted to /webhooks/{id} into one Teams conversation.
type Subscription struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	TargetID     string     `json:"target_id"`
	TargetKind   TargetKind `json:"target_kind"`
	TeamID       string     `json:"team_id,omitempty"`
	Secret       string     `json:"secret,omitempty"`
	Organization string     `json:"organization,omitempty"`
	Project      string     `json:"project,omitempty"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Target returns the configured destination with the operator's kind hint.
func (s *Subscription) Target() MessageTarget {
	return MessageTarget{ID: s.TargetID, Kind: s.TargetKind, TeamID: s.TeamID}
}
