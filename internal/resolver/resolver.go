// Package resolver decides whether a conversation id names a chat or a team
// channel and sends a message to it.
//
// Operators usually configure a bare conversation id. Chats and channels are
// addressed through different Graph endpoints, so an unknown id is first
// tried as a chat. If Graph answers that the id is not a chat, the joined
// teams are searched for a channel with that id and the send is retried
// there once. Results are not cached between calls.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/shohag/teamsrelay/internal/graph"
	"github.com/shohag/teamsrelay/internal/models"
)

// ErrTargetNotResolvable is returned when discovery finds no channel with
// the target id. It is terminal.
var ErrTargetNotResolvable = errors.New("resolver: target is neither a chat nor a channel in any joined team")

// DefaultMaxTeams caps how many joined teams discovery searches.
const DefaultMaxTeams = 50

// State is a step of one resolution, recorded in order in a trace.
type State int

const (
	StateUnknown State = iota
	StateProbedAsChat
	StateDelivered
	StateNotFoundAsChat
	StateSearchingChannels
	StateFound
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateProbedAsChat:
		return "ProbedAsChat"
	case StateDelivered:
		return "Delivered"
	case StateNotFoundAsChat:
		return "NotFoundAsChat"
	case StateSearchingChannels:
		return "SearchingChannels"
	case StateFound:
		return "Found"
	case StateExhausted:
		return "Exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Messenger is the subset of the Graph client the resolver drives.
type Messenger interface {
	SendToChat(ctx context.Context, chatID string, msg *graph.ChatMessage) (string, error)
	SendToChannel(ctx context.Context, teamID, channelID string, msg *graph.ChatMessage) (string, error)
	ListJoinedTeams(ctx context.Context) ([]graph.Team, error)
	ListChannels(ctx context.Context, teamID string) ([]graph.Channel, error)
}

// Result describes a successful send.
type Result struct {
	Target    models.MessageTarget
	MessageID string
	Trace     []State
}

// Error is a failed send. Target is the last classification the resolver
// reached, which callers reuse for a fallback send.
type Error struct {
	Target models.MessageTarget
	Trace  []State
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("send to %s %s: %v", e.Target.Kind, e.Target.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Resolver delivers to a target whose kind may be unknown, discovering the
// owning team when a chat send reports the conversation missing.
type Resolver struct {
	messenger Messenger
	maxTeams  int
	log       zerolog.Logger
}

// New returns a Resolver. A non-positive maxTeams means DefaultMaxTeams.
func New(messenger Messenger, maxTeams int, log zerolog.Logger) *Resolver {
	if maxTeams <= 0 {
		maxTeams = DefaultMaxTeams
	}
	return &Resolver{
		messenger: messenger,
		maxTeams:  maxTeams,
		log:       log.With().Str("component", "resolver").Logger(),
	}
}

// run tracks one resolution so the trace and last classification survive
// every exit path.
type run struct {
	target models.MessageTarget
	trace  []State
}

func (r *run) enter(s State) { r.trace = append(r.trace, s) }

func (r *run) fail(err error) (*Result, error) {
	return nil, &Error{Target: r.target, Trace: r.trace, Err: err}
}

func (r *run) ok(id string) (*Result, error) {
	return &Result{Target: r.target, MessageID: id, Trace: r.trace}, nil
}

// Send resolves target and delivers msg. At most one reclassification
// happens per call.
func (r *Resolver) Send(ctx context.Context, target models.MessageTarget, msg *graph.ChatMessage) (*Result, error) {
	st := &run{target: target}
	st.enter(StateUnknown)

	switch {
	case target.Kind == models.TargetChannel && target.TeamID != "":
		id, err := r.messenger.SendToChannel(ctx, target.TeamID, target.ID, msg)
		if err != nil {
			return st.fail(err)
		}
		st.enter(StateDelivered)
		return st.ok(id)

	case target.Kind == models.TargetChat:
		id, err := r.messenger.SendToChat(ctx, target.ID, msg)
		if err != nil {
			return st.fail(err)
		}
		st.enter(StateDelivered)
		return st.ok(id)

	case target.Kind == models.TargetChannel:
		// Known channel without a team: nothing to probe, go find the team.
		return r.discoverAndSend(ctx, st, msg)
	}

	st.target.Kind = models.TargetChat
	st.enter(StateProbedAsChat)
	id, err := r.messenger.SendToChat(ctx, target.ID, msg)
	if err == nil {
		st.enter(StateDelivered)
		return st.ok(id)
	}
	if !graph.IsConversationNotFound(err) {
		return st.fail(err)
	}

	st.enter(StateNotFoundAsChat)
	r.log.Info().Str("target_id", target.ID).Msg("target is not a chat, searching joined teams for a channel")
	return r.discoverAndSend(ctx, st, msg)
}

func (r *Resolver) discoverAndSend(ctx context.Context, st *run, msg *graph.ChatMessage) (*Result, error) {
	st.enter(StateSearchingChannels)

	teamID, err := r.findChannelTeam(ctx, st.target.ID)
	if err != nil {
		return st.fail(err)
	}
	if teamID == "" {
		st.enter(StateExhausted)
		st.target.Kind = models.TargetUnknown
		return st.fail(ErrTargetNotResolvable)
	}

	st.enter(StateFound)
	st.target = models.MessageTarget{ID: st.target.ID, Kind: models.TargetChannel, TeamID: teamID}
	r.log.Info().Str("target_id", st.target.ID).Str("team_id", teamID).Msg("target resolved to a channel")

	id, err := r.messenger.SendToChannel(ctx, teamID, st.target.ID, msg)
	if err != nil {
		return st.fail(err)
	}
	st.enter(StateDelivered)
	return st.ok(id)
}

// findChannelTeam returns the id of the first joined team owning a channel
// with channelID, or "" when none does.
func (r *Resolver) findChannelTeam(ctx context.Context, channelID string) (string, error) {
	teams, err := r.messenger.ListJoinedTeams(ctx)
	if err != nil {
		return "", fmt.Errorf("list joined teams: %w", err)
	}
	if len(teams) > r.maxTeams {
		r.log.Warn().Int("teams", len(teams)).Int("max_teams", r.maxTeams).Msg("too many joined teams, searching only the first ones")
		teams = teams[:r.maxTeams]
	}

	for _, team := range teams {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		channels, err := r.messenger.ListChannels(ctx, team.ID)
		if err != nil {
			if skippable(err) {
				r.log.Debug().Err(err).Str("team_id", team.ID).Msg("skipping team with inaccessible channels")
				continue
			}
			return "", fmt.Errorf("list channels of team %s: %w", team.ID, err)
		}
		for _, ch := range channels {
			if ch.ID == channelID {
				return team.ID, nil
			}
		}
	}
	return "", nil
}

// skippable reports per-team failures that should not abort discovery.
func skippable(err error) bool {
	var he *graph.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return he.Status == http.StatusForbidden || he.Status == http.StatusNotFound
}

// SendResolved delivers msg to an already classified target without any
// discovery.
func (r *Resolver) SendResolved(ctx context.Context, target models.MessageTarget, msg *graph.ChatMessage) (*Result, error) {
	st := &run{target: target}
	var (
		id  string
		err error
	)
	switch {
	case target.Kind == models.TargetChannel && target.TeamID != "":
		id, err = r.messenger.SendToChannel(ctx, target.TeamID, target.ID, msg)
	case target.Kind == models.TargetChat:
		id, err = r.messenger.SendToChat(ctx, target.ID, msg)
	default:
		return st.fail(fmt.Errorf("target %s is not resolved", target.ID))
	}
	if err != nil {
		return st.fail(err)
	}
	st.enter(StateDelivered)
	return st.ok(id)
}
