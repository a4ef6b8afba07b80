// Package vault owns the single delegated Graph credential: sealing it at
// rest, handing out live access tokens and refreshing them when they get
// close to expiry.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/shohag/teamsrelay/internal/models"
)

var (
	// ErrNoCredential is returned when nobody has completed OAuth consent yet
	// or the credential was revoked.
	ErrNoCredential = errors.New("vault: no credential stored")

	// ErrRefreshFailed is returned when the refresh exchange fails. The stored
	// credential is left as it was.
	ErrRefreshFailed = errors.New("vault: token refresh failed")

	// ErrCredentialUnreadable is returned when the stored ciphertext cannot be
	// opened, usually because the encryption secret changed.
	ErrCredentialUnreadable = errors.New("vault: stored credential cannot be decrypted")
)

// DefaultRefreshThreshold is the remaining lifetime at or below which a read
// triggers a refresh.
const DefaultRefreshThreshold = 5 * time.Minute

// refreshTimeout bounds one shared refresh exchange and its persist.
const refreshTimeout = 30 * time.Second

// CredentialStore is the key-value collaborator holding the sealed
// credential. GetCredential returns (nil, nil) when nothing is stored.
// SwapCredential replaces the record only if its ExpiresAt still equals
// expected and reports whether it did.
type CredentialStore interface {
	GetCredential(ctx context.Context, identity string) (*models.SealedCredential, error)
	PutCredential(ctx context.Context, cred *models.SealedCredential) error
	SwapCredential(ctx context.Context, expected time.Time, cred *models.SealedCredential) (bool, error)
	DeleteCredential(ctx context.Context, identity string) error
}

// Observer receives refresh outcomes ("success", "failure").
type Observer interface {
	ObserveRefresh(result string)
}

type nopObserver struct{}

func (nopObserver) ObserveRefresh(string) {}

// CredentialStatus describes the stored credential without exposing it.
type CredentialStatus struct {
	Identity     string    `json:"identity"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	UpdatedAt    time.Time `json:"updated_at"`
	NeedsRefresh bool      `json:"needs_refresh"`
}

type Vault struct {
	store     CredentialStore
	cipher    *Cipher
	refresher Refresher
	identity  string
	threshold time.Duration
	now       func() time.Time
	observer  Observer
	group     singleflight.Group
	log       zerolog.Logger
}

type Option func(*Vault)

func WithThreshold(d time.Duration) Option {
	return func(v *Vault) {
		if d > 0 {
			v.threshold = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

func WithObserver(o Observer) Option {
	return func(v *Vault) {
		if o != nil {
			v.observer = o
		}
	}
}

func New(store CredentialStore, cipher *Cipher, refresher Refresher, identity string, log zerolog.Logger, opts ...Option) *Vault {
	v := &Vault{
		store:     store,
		cipher:    cipher,
		refresher: refresher,
		identity:  identity,
		threshold: DefaultRefreshThreshold,
		now:       time.Now,
		observer:  nopObserver{},
		log:       log.With().Str("component", "vault").Str("identity", identity).Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LiveAccessToken returns a plaintext access token whose remaining lifetime
// exceeds the refresh threshold, refreshing first when it does not.
func (v *Vault) LiveAccessToken(ctx context.Context) (string, error) {
	cred, err := v.load(ctx)
	if err != nil {
		return "", err
	}
	if !v.needsRefresh(cred) {
		return v.cipher.Decrypt(cred.AccessToken)
	}

	// The refresh is shared by every caller waiting on it, so it runs
	// detached from the context of whichever caller started it.
	ch := v.group.DoChan(v.identity, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return v.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (v *Vault) refresh(ctx context.Context) (string, error) {
	// Re-read: another caller or process may have refreshed already.
	cred, err := v.load(ctx)
	if err != nil {
		return "", err
	}
	if !v.needsRefresh(cred) {
		return v.cipher.Decrypt(cred.AccessToken)
	}

	refreshToken, err := v.cipher.Decrypt(cred.RefreshToken)
	if err != nil {
		return "", err
	}

	tok, err := v.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		v.observer.ObserveRefresh("failure")
		v.log.Warn().Err(err).Time("expires_at", cred.ExpiresAt).Msg("credential refresh failed")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if tok.AccessToken == "" {
		v.observer.ObserveRefresh("failure")
		return "", fmt.Errorf("%w: provider returned an empty access token", ErrRefreshFailed)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if tok.Scope == "" {
		tok.Scope = cred.Scope
	}

	sealed, err := v.seal(tok.AccessToken, tok.RefreshToken, tok.ExpiresAt, tok.Scope)
	if err != nil {
		return "", err
	}

	swapped, err := v.store.SwapCredential(ctx, cred.ExpiresAt, sealed)
	switch {
	case err != nil:
		// The new token is valid even though it could not be persisted.
		v.log.Error().Err(err).Msg("failed to persist refreshed credential")
	case !swapped:
		v.log.Info().Msg("credential was refreshed concurrently, keeping the stored copy")
	default:
		v.log.Info().Time("expires_at", tok.ExpiresAt).Msg("credential refreshed")
	}

	v.observer.ObserveRefresh("success")
	return tok.AccessToken, nil
}

// Store seals and saves a credential obtained from OAuth consent, replacing
// whatever was stored for the identity.
func (v *Vault) Store(ctx context.Context, accessToken, refreshToken string, expiresInSeconds int64, scope string) error {
	if accessToken == "" || refreshToken == "" {
		return errors.New("vault: access and refresh tokens are required")
	}

	expiresAt := v.now().Add(time.Duration(expiresInSeconds) * time.Second)
	sealed, err := v.seal(accessToken, refreshToken, expiresAt, scope)
	if err != nil {
		return err
	}
	if err := v.store.PutCredential(ctx, sealed); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	v.log.Info().Time("expires_at", expiresAt).Str("scope", scope).Msg("credential stored")
	return nil
}

// Revoke deletes the stored credential.
func (v *Vault) Revoke(ctx context.Context) error {
	if err := v.store.DeleteCredential(ctx, v.identity); err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	v.log.Info().Msg("credential revoked")
	return nil
}

func (v *Vault) Status(ctx context.Context) (*CredentialStatus, error) {
	cred, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	return &CredentialStatus{
		Identity:     cred.Identity,
		ExpiresAt:    cred.ExpiresAt,
		Scope:        cred.Scope,
		UpdatedAt:    cred.UpdatedAt,
		NeedsRefresh: v.needsRefresh(cred),
	}, nil
}

func (v *Vault) load(ctx context.Context) (*models.SealedCredential, error) {
	cred, err := v.store.GetCredential(ctx, v.identity)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrNoCredential
	}
	return cred, nil
}

func (v *Vault) needsRefresh(cred *models.SealedCredential) bool {
	return cred.ExpiresAt.Sub(v.now()) <= v.threshold
}

func (v *Vault) seal(accessToken, refreshToken string, expiresAt time.Time, scope string) (*models.SealedCredential, error) {
	encAccess, err := v.cipher.Encrypt(accessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	encRefresh, err := v.cipher.Encrypt(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}
	return &models.SealedCredential{
		Identity:     v.identity,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    expiresAt.UTC().Truncate(time.Millisecond),
		Scope:        scope,
		UpdatedAt:    v.now().UTC(),
	}, nil
}
