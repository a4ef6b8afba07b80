package storage

import (
	"context"
	"time"

	"github.com/shohag/teamsrelay/internal/models"
)

type Storage interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ToggleSubscription(ctx context.Context, id string, active bool) error

	// Delivery log
	RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	GetAttempt(ctx context.Context, id string) (*models.DeliveryAttempt, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]models.DeliveryAttempt, error)
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)

	// Credential
	CredentialStore

	// Stats
	GetStats(ctx context.Context, subscriptionID string) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// CredentialStore persists the sealed Graph credential. It is satisfied by
// the SQLite storage and by RedisCredentialStore.
type CredentialStore interface {
	GetCredential(ctx context.Context, identity string) (*models.SealedCredential, error)
	PutCredential(ctx context.Context, cred *models.SealedCredential) error
	SwapCredential(ctx context.Context, expected time.Time, cred *models.SealedCredential) (bool, error)
	DeleteCredential(ctx context.Context, identity string) error
}

// AttemptFilter narrows ListAttempts. Zero fields match everything.
type AttemptFilter struct {
	SubscriptionID string
	Outcome        models.Outcome
	ErrorClass     models.ErrorClass
	Limit          int
	Offset         int
}

type Stats struct {
	TotalAttempts       int64            `json:"total_attempts"`
	SuccessCount        int64            `json:"success_count"`
	FailedCount         int64            `json:"failed_count"`
	IgnoredCount        int64            `json:"ignored_count"`
	FallbackCount       int64            `json:"fallback_count"`
	SuccessRate         float64          `json:"success_rate"`
	ErrorClasses        map[string]int64 `json:"error_classes"`
	TotalSubscriptions  int64            `json:"total_subscriptions"`
	ActiveSubscriptions int64            `json:"active_subscriptions"`
}
