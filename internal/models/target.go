package models

import "fmt"

type TargetKind string

const (
	TargetUnknown TargetKind = "unknown"
	TargetChat    TargetKind = "chat"
	TargetChannel TargetKind = "channel"
)

// ParseTargetKind maps an operator supplied hint to a TargetKind. An empty
// hint means the kind has to be discovered.
func ParseTargetKind(s string) (TargetKind, error) {
	switch TargetKind(s) {
	case "", TargetUnknown:
		return TargetUnknown, nil
	case TargetChat, TargetChannel:
		return TargetKind(s), nil
	default:
		return "", fmt.Errorf("unknown target kind %q", s)
	}
}

// MessageTarget is a Teams conversation. A target with Kind TargetUnknown is
// only valid until the resolver has classified it.
type MessageTarget struct {
	ID     string     `json:"id"`
	Kind   TargetKind `json:"kind"`
	TeamID string     `json:"team_id,omitempty"`
}

func (t MessageTarget) Resolved() bool {
	return t.Kind == TargetChat || (t.Kind == TargetChannel && t.TeamID != "")
}
