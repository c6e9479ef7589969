package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/clinic-messaging/internal/messenger"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotConfigured = errors.New("postgres repository requires a non-nil pool")
)

const selectAccount = `
SELECT id, clinic_id, messenger_type, credentials, COALESCE(webhook_secret, ''), is_active, is_connected
FROM messenger_accounts
WHERE id = $1
`

const updateProviderMessageID = `
UPDATE messages
SET messenger_message_id = $2,
delivery_status = 'delivered',
updated_at = now()
WHERE id = $1
`

const markFailed = `
UPDATE messages
SET delivery_status = 'failed',
delivery_error = $2,
updated_at = now()
WHERE id = $1
`

// DB is the subset of pgxpool.Pool the repositories use.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (messenger.Account, error)
}

type MessageStore interface {
	UpdateProviderMessageID(ctx context.Context, messageID, providerMessageID string) error
	MarkFailed(ctx context.Context, messageID, reason string) error
}

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func MustRepository(pool *pgxpool.Pool) (*PostgresRepository, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return NewPostgresRepository(pool), nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, id string) (messenger.Account, error) {
	var (
		acc           messenger.Account
		messengerType string
		credentials   []byte
	)
	row := r.db.QueryRow(ctx, selectAccount, id)
	if err := row.Scan(&acc.ID, &acc.ClinicID, &messengerType, &credentials, &acc.WebhookSecret, &acc.IsActive, &acc.IsConnected); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return messenger.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
		}
		return messenger.Account{}, fmt.Errorf("fetch account: %w", err)
	}
	acc.MessengerType = messenger.Type(messengerType)
	acc.Credentials = credentials
	return acc, nil
}

func (r *PostgresRepository) UpdateProviderMessageID(ctx context.Context, messageID, providerMessageID string) error {
	return r.exec(ctx, "update provider message id", updateProviderMessageID, messageID, providerMessageID)
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, messageID, reason string) error {
	return r.exec(ctx, "mark message failed", markFailed, messageID, reason)
}

func (r *PostgresRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: message %v: %w", op, args[0], ErrNotFound)
	}
	return nil
}
