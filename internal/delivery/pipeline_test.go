package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/teamsrelay/internal/graph"
	"github.com/shohag/teamsrelay/internal/models"
	"github.com/shohag/teamsrelay/internal/resolver"
	"github.com/shohag/teamsrelay/internal/vault"
	"github.com/shohag/teamsrelay/internal/webhook"
)

const scenarioPayload = `{
	"eventType": "git.pullrequest.created",
	"resource": {
		"title": "Fix bug",
		"createdBy": {"displayName": "A"},
		"repository": {"name": "R"},
		"sourceRefName": "refs/heads/f",
		"targetRefName": "refs/heads/main",
		"url": "https://x"
	}
}`

type memAttemptLog struct {
	mu       sync.Mutex
	attempts []models.DeliveryAttempt
	err      error
}

func (m *memAttemptLog) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.err != nil {
		return m.err
	}
	m.attempts = append(m.attempts, *a)
	return nil
}

type fakeVault struct {
	err   error
	calls int
}

func (f *fakeVault) LiveAccessToken(context.Context) (string, error) {
	f.calls++
	return "token", f.err
}

type sentMessage struct {
	call string
	msg  *graph.ChatMessage
}

// fakeGraph is a Graph topology recording every provider call.
type fakeGraph struct {
	chats    map[string]bool
	channels map[string][]string
	teams    []string

	// reject returns an error for a send given the message, nil to accept.
	reject func(call string, msg *graph.ChatMessage) error

	sent  []sentMessage
	calls int
}

func (f *fakeGraph) send(call string, msg *graph.ChatMessage) (string, error) {
	f.calls++
	f.sent = append(f.sent, sentMessage{call: call, msg: msg})
	if f.reject != nil {
		if err := f.reject(call, msg); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("msg-%d", f.calls), nil
}

func (f *fakeGraph) SendToChat(_ context.Context, chatID string, msg *graph.ChatMessage) (string, error) {
	if !f.chats[chatID] {
		f.calls++
		return "", &graph.HTTPError{Status: http.StatusNotFound, Code: "NotFound"}
	}
	return f.send("chat:"+chatID, msg)
}

func (f *fakeGraph) SendToChannel(_ context.Context, teamID, channelID string, msg *graph.ChatMessage) (string, error) {
	return f.send("channel:"+teamID+"/"+channelID, msg)
}

func (f *fakeGraph) ListJoinedTeams(context.Context) ([]graph.Team, error) {
	f.calls++
	var out []graph.Team
	for _, id := range f.teams {
		out = append(out, graph.Team{ID: id})
	}
	return out, nil
}

func (f *fakeGraph) ListChannels(_ context.Context, teamID string) ([]graph.Channel, error) {
	f.calls++
	var out []graph.Channel
	for _, id := range f.channels[teamID] {
		out = append(out, graph.Channel{ID: id})
	}
	return out, nil
}

func (f *fakeGraph) sentCalls() []string {
	var out []string
	for _, s := range f.sent {
		out = append(out, s.call)
	}
	return out
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		chats: map[string]bool{"19:abc@thread.v2": true},
		teams: []string{"team-x", "team-y"},
		channels: map[string][]string{
			"team-x": {"19:x1@thread.tacv2", "19:x2@thread.tacv2"},
			"team-y": {"19:y1@thread.tacv2", "19:chan@thread.tacv2"},
		},
	}
}

type countingObserver struct{ attempts []models.DeliveryAttempt }

func (o *countingObserver) ObserveDelivery(a models.DeliveryAttempt, _ time.Duration) {
	o.attempts = append(o.attempts, a)
}

type harness struct {
	pipeline *Pipeline
	log      *memAttemptLog
	vault    *fakeVault
	graph    *fakeGraph
	observer *countingObserver
}

func newHarness() *harness {
	h := &harness{
		log:      &memAttemptLog{},
		vault:    &fakeVault{},
		graph:    newFakeGraph(),
		observer: &countingObserver{},
	}
	r := resolver.New(h.graph, 0, zerolog.Nop())
	h.pipeline = NewPipeline(h.log, h.vault, r, zerolog.Nop(), WithObserver(h.observer))
	return h
}

func (h *harness) deliver(t *testing.T, sub *models.Subscription, raw string) models.DeliveryAttempt {
	t.Helper()
	a, err := h.pipeline.Deliver(context.Background(), sub, []byte(raw))
	require.NoError(t, err)
	require.Len(t, h.log.attempts, 1, "exactly one attempt per delivery")
	assert.Equal(t, a, h.log.attempts[0])
	assert.Len(t, h.observer.attempts, 1)
	return a
}

func subscription(targetID string, kind models.TargetKind) *models.Subscription {
	return &models.Subscription{ID: "sub_1", TargetID: targetID, TargetKind: kind, Active: true}
}

func cardRejected(call string, msg *graph.ChatMessage) error {
	if len(msg.Attachments) > 0 {
		return &graph.HTTPError{Status: http.StatusRequestEntityTooLarge, Code: "RequestEntityTooLarge", Message: "card too large"}
	}
	return nil
}

func TestDeliver_Scenario(t *testing.T) {
	h := newHarness()

	a := h.deliver(t, subscription("19:abc@thread.v2", models.TargetUnknown), scenarioPayload)

	assert.Equal(t, models.OutcomeSuccess, a.Outcome)
	assert.Equal(t, models.FormatterCard, a.FormatterUsed)
	assert.Equal(t, models.ErrorNone, a.ErrorClass)
	assert.Equal(t, models.TargetChat, a.TargetKind)
	assert.Equal(t, "msg-1", a.ProviderMessageID)
	assert.Equal(t, "sub_1", a.SubscriptionID)
	assert.NotZero(t, a.TimestampMs)
	assert.Equal(t, []string{"chat:19:abc@thread.v2"}, h.graph.sentCalls())
	assert.Equal(t, 1, h.graph.calls)
}

func TestDeliver_DiscoversChannel(t *testing.T) {
	h := newHarness()

	a := h.deliver(t, subscription("19:chan@thread.tacv2", models.TargetUnknown), scenarioPayload)

	assert.Equal(t, models.OutcomeSuccess, a.Outcome)
	assert.Equal(t, models.FormatterCard, a.FormatterUsed)
	assert.Equal(t, models.TargetChannel, a.TargetKind)
	assert.Equal(t, []string{"channel:team-y/19:chan@thread.tacv2"}, h.graph.sentCalls())
}

func TestDeliver_NotResolvable(t *testing.T) {
	h := newHarness()

	a := h.deliver(t, subscription("19:gone@thread.tacv2", models.TargetUnknown), scenarioPayload)

	assert.Equal(t, models.OutcomeFailed, a.Outcome)
	assert.Equal(t, models.ErrorTargetNotResolvable, a.ErrorClass)
	assert.Equal(t, models.FormatterNone, a.FormatterUsed)
	assert.Empty(t, h.graph.sent)

	channels := 0
	for _, team := range h.graph.teams {
		channels += len(h.graph.channels[team])
	}
	assert.LessOrEqual(t, h.graph.calls, channels+1)
}

func TestDeliver_FallsBackToHTML(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		wantSent []string
	}{
		{
			name:     "chat",
			target:   "19:abc@thread.v2",
			wantSent: []string{"chat:19:abc@thread.v2", "chat:19:abc@thread.v2"},
		},
		{
			name:     "discovered channel",
			target:   "19:chan@thread.tacv2",
			wantSent: []string{"channel:team-y/19:chan@thread.tacv2", "channel:team-y/19:chan@thread.tacv2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.graph.reject = cardRejected

			a := h.deliver(t, subscription(tt.target, models.TargetUnknown), scenarioPayload)

			assert.Equal(t, models.OutcomeSuccess, a.Outcome)
			assert.Equal(t, models.FormatterHTML, a.FormatterUsed)
			assert.Equal(t, models.ErrorNone, a.ErrorClass)
			assert.Equal(t, tt.wantSent, h.graph.sentCalls())
			assert.NotEmpty(t, h.graph.sent[0].msg.Attachments)
			assert.Empty(t, h.graph.sent[1].msg.Attachments)
		})
	}
}

func TestDeliver_FallbackFailureKeepsUnderlyingClass(t *testing.T) {
	h := newHarness()
	h.graph.reject = func(_ string, msg *graph.ChatMessage) error {
		if len(msg.Attachments) > 0 {
			return &graph.HTTPError{Status: http.StatusBadRequest, Message: "schema mismatch"}
		}
		return &graph.HTTPError{Status: http.StatusBadGateway, Message: "upstream"}
	}

	a := h.deliver(t, subscription("19:abc@thread.v2", models.TargetChat), scenarioPayload)

	assert.Equal(t, models.OutcomeFailed, a.Outcome)
	assert.Equal(t, models.ErrorProviderError, a.ErrorClass)
	assert.Equal(t, models.FormatterHTML, a.FormatterUsed)
	assert.Len(t, h.graph.sent, 2, "at most one formatter downgrade")
}

func TestDeliver_NoFallbackForOtherFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantClass models.ErrorClass
	}{
		{name: "timeout", err: context.DeadlineExceeded, wantClass: models.ErrorNetworkTimeout},
		{name: "transport", err: &url.Error{Op: "Post", URL: "https://graph", Err: errors.New("connection refused")}, wantClass: models.ErrorNetworkTimeout},
		{name: "forbidden", err: &graph.HTTPError{Status: http.StatusForbidden}, wantClass: models.ErrorProviderError},
		{name: "server error", err: &graph.HTTPError{Status: http.StatusInternalServerError}, wantClass: models.ErrorProviderError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.graph.reject = func(string, *graph.ChatMessage) error { return tt.err }

			a := h.deliver(t, subscription("19:abc@thread.v2", models.TargetUnknown), scenarioPayload)

			assert.Equal(t, models.OutcomeFailed, a.Outcome)
			assert.Equal(t, tt.wantClass, a.ErrorClass)
			assert.Equal(t, models.FormatterNone, a.FormatterUsed)
			assert.Len(t, h.graph.sent, 1)
		})
	}
}

func TestDeliver_ChatHintForUnknownChat(t *testing.T) {
	h := newHarness()

	a := h.deliver(t, subscription("19:chan@thread.tacv2", models.TargetChat), scenarioPayload)

	assert.Equal(t, models.OutcomeFailed, a.Outcome)
	assert.Equal(t, models.ErrorTargetNotFound, a.ErrorClass)
	assert.Equal(t, 1, h.graph.calls)
}

func TestDeliver_IgnoredEvents(t *testing.T) {
	tests := []struct {
		name string
		sub  *models.Subscription
		raw  string
	}{
		{
			name: "git push",
			sub:  subscription("19:abc@thread.v2", models.TargetUnknown),
			raw:  `{"id": "e1", "eventType": "git.push", "resource": {"commits": []}}`,
		},
		{
			name: "pull request updated",
			sub:  subscription("19:abc@thread.v2", models.TargetUnknown),
			raw:  `{"eventType": "git.pullrequest.updated", "resource": {}}`,
		},
		{
			name: "other organization",
			sub:  &models.Subscription{ID: "sub_1", TargetID: "19:abc@thread.v2", Organization: "contoso"},
			raw:  `{"eventType": "git.pullrequest.created", "resource": {}, "resourceContainers": {"account": {"baseUrl": "https://dev.azure.com/fabrikam/"}}}`,
		},
		{
			name: "other project",
			sub:  &models.Subscription{ID: "sub_1", TargetID: "19:abc@thread.v2", Project: "Platform"},
			raw:  `{"eventType": "git.pullrequest.created", "resource": {"repository": {"project": {"name": "Web"}}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()

			a := h.deliver(t, tt.sub, tt.raw)

			assert.Equal(t, models.OutcomeSuccess, a.Outcome)
			assert.Equal(t, models.ErrorIgnored, a.ErrorClass)
			assert.NotEmpty(t, a.ErrorMessage)
			assert.Zero(t, h.graph.calls)
			assert.Zero(t, h.vault.calls)
		})
	}
}

func TestDeliver_MatchingFiltersDeliver(t *testing.T) {
	h := newHarness()
	sub := &models.Subscription{ID: "sub_1", TargetID: "19:abc@thread.v2", Organization: "contoso", Project: "Platform"}
	raw := `{"eventType": "git.pullrequest.created",
		"resource": {"title": "t", "repository": {"name": "r", "project": {"name": "Platform"}}},
		"resourceContainers": {"account": {"baseUrl": "https://dev.azure.com/contoso/"}}}`

	a := h.deliver(t, sub, raw)
	assert.Equal(t, models.OutcomeSuccess, a.Outcome)
	assert.Equal(t, models.FormatterCard, a.FormatterUsed)
}

func TestDeliver_InvalidPayload(t *testing.T) {
	h := newHarness()

	a := h.deliver(t, subscription("19:abc@thread.v2", models.TargetUnknown), `{"eventType": 12}`)

	assert.Equal(t, models.OutcomeFailed, a.Outcome)
	assert.Equal(t, models.ErrorInvalidPayload, a.ErrorClass)
	assert.Zero(t, h.graph.calls)
	assert.Zero(t, h.vault.calls)
}

func TestDeliver_CredentialFailures(t *testing.T) {
	tests := []struct {
		err  error
		want models.ErrorClass
	}{
		{err: vault.ErrNoCredential, want: models.ErrorNoCredential},
		{err: fmt.Errorf("%w: invalid_grant", vault.ErrRefreshFailed), want: models.ErrorRefreshFailed},
		{err: fmt.Errorf("%w: token endpoint: %w", vault.ErrRefreshFailed, context.DeadlineExceeded), want: models.ErrorRefreshFailed},
		{err: vault.ErrCredentialUnreadable, want: models.ErrorCredentialUnreadable},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			h := newHarness()
			h.vault.err = tt.err

			a := h.deliver(t, subscription("19:abc@thread.v2", models.TargetUnknown), scenarioPayload)

			assert.Equal(t, models.OutcomeFailed, a.Outcome)
			assert.Equal(t, tt.want, a.ErrorClass)
			assert.Zero(t, h.graph.calls)
		})
	}
}

func TestDeliver_RecordFailure(t *testing.T) {
	h := newHarness()
	h.log.err = errors.New("disk full")

	a, err := h.pipeline.Deliver(context.Background(), subscription("19:abc@thread.v2", models.TargetUnknown), []byte(scenarioPayload))
	require.Error(t, err)
	assert.Equal(t, models.OutcomeSuccess, a.Outcome, "attempt is still returned")
}

func TestDeliver_RecordsAfterCancellation(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.pipeline.Deliver(ctx, subscription("19:abc@thread.v2", models.TargetUnknown), []byte(`not json`))
	require.NoError(t, err)
	assert.Len(t, h.log.attempts, 1)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorClass
	}{
		{name: "nil", err: nil, want: models.ErrorNone},
		{name: "invalid payload", err: fmt.Errorf("%w: x", webhook.ErrInvalidPayload), want: models.ErrorInvalidPayload},
		{name: "not resolvable", err: &resolver.Error{Err: resolver.ErrTargetNotResolvable}, want: models.ErrorTargetNotResolvable},
		{name: "conversation not found", err: &graph.HTTPError{Status: http.StatusBadRequest, Code: "InvalidThreadId"}, want: models.ErrorTargetNotFound},
		{name: "rejected", err: &graph.HTTPError{Status: http.StatusBadRequest, Message: "Invalid attachment"}, want: models.ErrorProviderRejected},
		{name: "too large", err: &graph.HTTPError{Status: http.StatusRequestEntityTooLarge}, want: models.ErrorProviderRejected},
		{name: "unauthorized", err: &graph.HTTPError{Status: http.StatusUnauthorized}, want: models.ErrorProviderError},
		{name: "throttled", err: &graph.HTTPError{Status: http.StatusTooManyRequests}, want: models.ErrorProviderError},
		{name: "deadline", err: fmt.Errorf("send_chat: %w", context.DeadlineExceeded), want: models.ErrorNetworkTimeout},
		{name: "cancelled", err: fmt.Errorf("send_chat: %w", context.Canceled), want: models.ErrorNetworkTimeout},
		{name: "no credential inside graph call", err: fmt.Errorf("send_chat: %w", vault.ErrNoCredential), want: models.ErrorNoCredential},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_RateLimitWaitPastDeadline(t *testing.T) {
	limiter := graph.NewRateLimiter(0.1, 1)
	require.NoError(t, limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := limiter.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, models.ErrorNetworkTimeout, Classify(fmt.Errorf("send_chat: %w", err)))
}
