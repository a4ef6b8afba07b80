package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/teamsrelay/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			target_id TEXT NOT NULL,
			target_kind TEXT NOT NULL DEFAULT 'unknown',
			team_id TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL,
			organization TEXT NOT NULL DEFAULT '',
			project TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			target_kind TEXT NOT NULL,
			formatter_used TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			provider_message_id TEXT NOT NULL DEFAULT '',
			error_class TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			identity TEXT PRIMARY KEY,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_subscription ON delivery_attempts(subscription_id, timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON delivery_attempts(timestamp_ms)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Subscriptions ---

const subscriptionColumns = `id, name, target_id, target_kind, team_id, secret, organization, project, active, created_at, updated_at`

func (s *SQLiteStorage) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.Name, sub.TargetID, string(sub.TargetKind), sub.TeamID, sub.Secret,
		sub.Organization, sub.Project, boolToInt(sub.Active), sub.CreatedAt, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) scanSubscription(row interface{ Scan(...interface{}) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var kind string
	var active int
	err := row.Scan(&sub.ID, &sub.Name, &sub.TargetID, &kind, &sub.TeamID, &sub.Secret,
		&sub.Organization, &sub.Project, &active, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.TargetKind = models.TargetKind(kind)
	sub.Active = active == 1
	return &sub, nil
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := s.scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sub, err
}

func (s *SQLiteStorage) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := s.scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStorage) UpdateSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET name = ?, target_id = ?, target_kind = ?, team_id = ?, organization = ?, project = ?, active = ?, updated_at = ? WHERE id = ?`,
		sub.Name, sub.TargetID, string(sub.TargetKind), sub.TeamID, sub.Organization, sub.Project,
		boolToInt(sub.Active), time.Now().UTC(), sub.ID,
	)
	return err
}

func (s *SQLiteStorage) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) ToggleSubscription(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), time.Now().UTC(), id)
	return err
}

// --- Delivery attempts ---

const attemptColumns = `id, event_id, subscription_id, target_id, target_kind, formatter_used, outcome, provider_message_id, error_class, error_message, timestamp_ms`

func (s *SQLiteStorage) RecordAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EventID, a.SubscriptionID, a.TargetID, string(a.TargetKind), string(a.FormatterUsed),
		string(a.Outcome), a.ProviderMessageID, string(a.ErrorClass), a.ErrorMessage, a.TimestampMs,
	)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) scanAttempt(row interface{ Scan(...interface{}) error }) (*models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	var kind, formatter, outcome, class string
	err := row.Scan(&a.ID, &a.EventID, &a.SubscriptionID, &a.TargetID, &kind, &formatter,
		&outcome, &a.ProviderMessageID, &class, &a.ErrorMessage, &a.TimestampMs)
	if err != nil {
		return nil, err
	}
	a.TargetKind = models.TargetKind(kind)
	a.FormatterUsed = models.Formatter(formatter)
	a.Outcome = models.Outcome(outcome)
	a.ErrorClass = models.ErrorClass(class)
	return &a, nil
}

func (s *SQLiteStorage) GetAttempt(ctx context.Context, id string) (*models.DeliveryAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = ?`, id)
	a, err := s.scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (s *SQLiteStorage) ListAttempts(ctx context.Context, filter AttemptFilter) ([]models.DeliveryAttempt, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `SELECT ` + attemptColumns + ` FROM delivery_attempts WHERE 1 = 1`
	var args []interface{}
	if filter.SubscriptionID != "" {
		query += ` AND subscription_id = ?`
		args = append(args, filter.SubscriptionID)
	}
	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(filter.Outcome))
	}
	if filter.ErrorClass != "" {
		query += ` AND error_class = ?`
		args = append(args, string(filter.ErrorClass))
	}
	query += ` ORDER BY timestamp_ms DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.DeliveryAttempt
	for rows.Next() {
		a, err := s.scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// PruneAttempts deletes attempts recorded before the cutoff and returns how
// many were removed.
func (s *SQLiteStorage) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE timestamp_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Credential ---

func (s *SQLiteStorage) GetCredential(ctx context.Context, identity string) (*models.SealedCredential, error) {
	var c models.SealedCredential
	var expiresMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT identity, access_token, refresh_token, expires_at, scope, updated_at FROM credentials WHERE identity = ?`, identity,
	).Scan(&c.Identity, &c.AccessToken, &c.RefreshToken, &expiresMs, &c.Scope, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return &c, nil
}

// PutCredential replaces the whole record for the identity.
func (s *SQLiteStorage) PutCredential(ctx context.Context, c *models.SealedCredential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (identity, access_token, refresh_token, expires_at, scope, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			scope = excluded.scope,
			updated_at = excluded.updated_at`,
		c.Identity, c.AccessToken, c.RefreshToken, c.ExpiresAt.UnixMilli(), c.Scope, c.UpdatedAt,
	)
	return err
}

// SwapCredential writes c only while the stored expires_at still equals
// expected. Token and expiry change in the same statement.
func (s *SQLiteStorage) SwapCredential(ctx context.Context, expected time.Time, c *models.SealedCredential) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET access_token = ?, refresh_token = ?, expires_at = ?, scope = ?, updated_at = ?
		 WHERE identity = ? AND expires_at = ?`,
		c.AccessToken, c.RefreshToken, c.ExpiresAt.UnixMilli(), c.Scope, c.UpdatedAt,
		c.Identity, expected.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStorage) DeleteCredential(ctx context.Context, identity string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE identity = ?`, identity)
	return err
}

// --- Stats ---

// GetStats summarizes the delivery log, optionally for one subscription.
func (s *SQLiteStorage) GetStats(ctx context.Context, subscriptionID string) (*Stats, error) {
	stats := &Stats{ErrorClasses: map[string]int64{}}

	where, args := ` WHERE 1 = 1`, []interface{}{}
	if subscriptionID != "" {
		where, args = ` WHERE subscription_id = ?`, []interface{}{subscriptionID}
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error_class = 'Ignored' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN formatter_used = 'html' THEN 1 ELSE 0 END), 0)
		 FROM delivery_attempts`+where, args...,
	).Scan(&stats.TotalAttempts, &stats.SuccessCount, &stats.FailedCount, &stats.IgnoredCount, &stats.FallbackCount)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT error_class, COUNT(*) FROM delivery_attempts`+where+` AND error_class != '' GROUP BY error_class`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var class string
		var n int64
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		stats.ErrorClasses[class] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if subscriptionID == "" {
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions`).Scan(&stats.TotalSubscriptions)
		s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE active = 1`).Scan(&stats.ActiveSubscriptions)
	}

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalAttempts) * 100
	}

	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
