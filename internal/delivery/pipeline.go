// Package delivery turns one inbound webhook into at most one Teams message
// and exactly one recorded DeliveryAttempt.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/teamsrelay/internal/format"
	"github.com/shohag/teamsrelay/internal/graph"
	"github.com/shohag/teamsrelay/internal/models"
	"github.com/shohag/teamsrelay/internal/resolver"
	"github.com/shohag/teamsrelay/internal/vault"
	"github.com/shohag/teamsrelay/internal/webhook"
)

// recordTimeout bounds the attempt write, which runs even when the inbound
// request was cancelled.
const recordTimeout = 5 * time.Second

// AttemptLog is the append-only sink for delivery attempts.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error
}

// TokenVault is checked before anything is formatted or sent.
type TokenVault interface {
	LiveAccessToken(ctx context.Context) (string, error)
}

// Sender resolves and delivers messages. *resolver.Resolver implements it.
type Sender interface {
	Send(ctx context.Context, target models.MessageTarget, msg *graph.ChatMessage) (*resolver.Result, error)
	SendResolved(ctx context.Context, target models.MessageTarget, msg *graph.ChatMessage) (*resolver.Result, error)
}

type Observer interface {
	ObserveDelivery(a models.DeliveryAttempt, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveDelivery(models.DeliveryAttempt, time.Duration) {}

type Pipeline struct {
	attempts AttemptLog
	tokens   TokenVault
	sender   Sender
	observer Observer
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Pipeline)

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(attempts AttemptLog, tokens TokenVault, sender Sender, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		attempts: attempts,
		tokens:   tokens,
		sender:   sender,
		observer: nopObserver{},
		now:      time.Now,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Deliver runs the whole chain for one webhook body addressed to sub. The
// returned attempt is always populated; the error is non-nil only when the
// attempt could not be recorded.
func (p *Pipeline) Deliver(ctx context.Context, sub *models.Subscription, raw []byte) (models.DeliveryAttempt, error) {
	start := p.now()

	target := sub.Target()
	if target.Kind == "" {
		target.Kind = models.TargetUnknown
	}
	attempt := models.DeliveryAttempt{
		ID:             models.NewID("att"),
		SubscriptionID: sub.ID,
		TargetID:       target.ID,
		TargetKind:     target.Kind,
	}

	p.run(ctx, sub, target, raw, &attempt)
	attempt.TimestampMs = p.now().UnixMilli()

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	recordErr := p.attempts.RecordAttempt(recordCtx, &attempt)

	p.observer.ObserveDelivery(attempt, p.now().Sub(start))
	p.logAttempt(attempt, recordErr)

	if recordErr != nil {
		return attempt, fmt.Errorf("record attempt %s: %w", attempt.ID, recordErr)
	}
	return attempt, nil
}

func (p *Pipeline) run(ctx context.Context, sub *models.Subscription, target models.MessageTarget, raw []byte, a *models.DeliveryAttempt) {
	payload, err := webhook.Parse(raw)
	if err != nil {
		fail(a, models.ErrorInvalidPayload, err)
		return
	}
	a.EventID = payload.ID

	if !payload.IsPullRequestCreated() {
		ignore(a, fmt.Sprintf("event type %s is not handled", payload.EventType))
		return
	}

	ev := payload.Normalize()
	if reason := filterReason(sub, ev); reason != "" {
		ignore(a, reason)
		return
	}

	if _, err := p.tokens.LiveAccessToken(ctx); err != nil {
		fail(a, Classify(err), err)
		return
	}

	res, err := p.sender.Send(ctx, target, format.FormatRichCard(ev))
	if err == nil {
		succeed(a, res, models.FormatterCard)
		return
	}

	last := target
	var rerr *resolver.Error
	if errors.As(err, &rerr) {
		last = rerr.Target
	}
	a.TargetKind = last.Kind

	class := Classify(err)
	if class != models.ErrorProviderRejected || !last.Resolved() {
		fail(a, class, err)
		return
	}

	p.log.Info().Err(err).Str("subscription_id", sub.ID).Str("target_id", last.ID).
		Msg("card rejected, retrying with html body")

	res, err = p.sender.SendResolved(ctx, last, format.FormatPlainFallback(ev))
	if err != nil {
		a.FormatterUsed = models.FormatterHTML
		fail(a, Classify(err), fmt.Errorf("html fallback after card rejection: %w", err))
		return
	}
	succeed(a, res, models.FormatterHTML)
}

// filterReason returns why ev does not belong to sub, or "" when it does.
func filterReason(sub *models.Subscription, ev models.NormalizedEvent) string {
	if sub.Organization != "" && sub.Organization != ev.Organization {
		return fmt.Sprintf("organization %q does not match subscription", ev.Organization)
	}
	if sub.Project != "" && sub.Project != ev.Project {
		return fmt.Sprintf("project %q does not match subscription", ev.Project)
	}
	return ""
}

func succeed(a *models.DeliveryAttempt, res *resolver.Result, f models.Formatter) {
	a.Outcome = models.OutcomeSuccess
	a.FormatterUsed = f
	a.TargetKind = res.Target.Kind
	a.ProviderMessageID = res.MessageID
}

func ignore(a *models.DeliveryAttempt, reason string) {
	a.Outcome = models.OutcomeSuccess
	a.ErrorClass = models.ErrorIgnored
	a.ErrorMessage = reason
}

func fail(a *models.DeliveryAttempt, class models.ErrorClass, err error) {
	a.Outcome = models.OutcomeFailed
	a.ErrorClass = class
	a.ErrorMessage = err.Error()
}

// Classify maps an error from the vault, resolver or Graph client onto the
// delivery error taxonomy.
func Classify(err error) models.ErrorClass {
	switch {
	case err == nil:
		return models.ErrorNone
	case errors.Is(err, webhook.ErrInvalidPayload):
		return models.ErrorInvalidPayload
	case errors.Is(err, vault.ErrNoCredential):
		return models.ErrorNoCredential
	case errors.Is(err, vault.ErrRefreshFailed):
		return models.ErrorRefreshFailed
	case errors.Is(err, vault.ErrCredentialUnreadable):
		return models.ErrorCredentialUnreadable
	case errors.Is(err, resolver.ErrTargetNotResolvable):
		return models.ErrorTargetNotResolvable
	case graph.IsTransport(err):
		return models.ErrorNetworkTimeout
	case graph.IsConversationNotFound(err):
		return models.ErrorTargetNotFound
	case graph.IsPayloadRejected(err):
		return models.ErrorProviderRejected
	default:
		return models.ErrorProviderError
	}
}

func (p *Pipeline) logAttempt(a models.DeliveryAttempt, recordErr error) {
	var evt *zerolog.Event
	switch {
	case recordErr != nil:
		evt = p.log.Error().Err(recordErr)
	case a.Outcome == models.OutcomeFailed && a.ErrorClass != models.ErrorInvalidPayload:
		evt = p.log.Warn()
	default:
		evt = p.log.Info()
	}

	evt.Str("attempt_id", a.ID).
		Str("subscription_id", a.SubscriptionID).
		Str("event_id", a.EventID).
		Str("target_id", a.TargetID).
		Str("target_kind", string(a.TargetKind)).
		Str("outcome", string(a.Outcome)).
		Str("formatter", string(a.FormatterUsed)).
		Str("error_class", string(a.ErrorClass)).
		Str("error", a.ErrorMessage).
		Msg("delivery attempt")
}
