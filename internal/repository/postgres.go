// Package repository provides PostgreSQL-backed persistence for conditions,
// site environment snapshots, API keys and condition events. It also handles
// LISTEN/NOTIFY-based cache invalidation so the service layer stays fresh
// without polling.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "condition_events"
	defaultEventBatch    = 1000
)

// Condition is a stored condition group together with the configuration
// tree it gates.
type Condition struct {
	Key         string          `json:"key"`
	ProjectID   string          `json:"-"`
	Description string          `json:"description"`
	Enabled     bool            `json:"enabled"`
	Conditions  json.RawMessage `json:"conditions"`
	Config      json.RawMessage `json:"config"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Environment is the latest snapshot a site pushed.
type Environment struct {
	ProjectID string          `json:"-"`
	SiteID    string          `json:"site_id"`
	Snapshot  json.RawMessage `json:"snapshot"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Project is a tenant owning conditions, environments and API keys.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// APIKeyMeta contains non-sensitive metadata for an API key.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ConditionEvent is a change to a condition, stored in condition_events and
// replayed to stream subscribers.
type ConditionEvent struct {
	EventID      int64           `json:"event_id"`
	ProjectID    string          `json:"project_id"`
	ConditionKey string          `json:"condition_key"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) { r.notifyChannel = normalizeNotifyChannel(channel) }
}

// WithEventBatchSize bounds how many events a single ListEventsSince call
// returns.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.eventBatch = n
		}
	}
}

// PostgresRepository is backed by a pgxpool connection pool.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
	eventBatch    int
}

// NewPostgresRepository creates a repository on pool.
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:          pool,
		notifyChannel: defaultNotifyChannel,
		eventBatch:    defaultEventBatch,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// notify sends an invalidation notice inside tx.
func (r *PostgresRepository) notify(ctx context.Context, tx pgx.Tx, message notifyMessage) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", message.Kind, err)
	}
	return nil
}

type notifyMessage struct {
	Kind      string `json:"kind"`
	ProjectID string `json:"project_id"`
	Key       string `json:"key"`
	EventType string `json:"event_type,omitempty"`
}

// SubscribeInvalidation returns a channel that receives a signal whenever a
// notification arrives on the LISTEN channel. The listener reconnects after
// failures; the channel is closed once ctx is done.
func (r *PostgresRepository) SubscribeInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	// A reconnect may have missed notifications.
	signal(invalidations)

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		signal(invalidations)
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func requireRow(commandTag pgconn.CommandTag, operation string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}
	return nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}
	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
