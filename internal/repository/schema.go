package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// migrations are applied in order at startup; each is idempotent.
var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "accounts table",
		sql: `
		CREATE TABLE IF NOT EXISTS accounts (
			owner_id BIGINT PRIMARY KEY,
			balance NUMERIC(65, 30) NOT NULL DEFAULT 0,
			level INT NOT NULL DEFAULT 1,
			country_code VARCHAR(8) NOT NULL DEFAULT '',
			daily_bonus_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
	},
	{
		name: "contracts table",
		sql: `
		CREATE TABLE IF NOT EXISTS contracts (
			id BIGSERIAL PRIMARY KEY,
			owner_id BIGINT NOT NULL REFERENCES accounts(owner_id),
			kind VARCHAR(32) NOT NULL,
			base_rate NUMERIC(65, 30) NOT NULL,
			applies_daily_bonus BOOLEAN NOT NULL DEFAULT FALSE,
			product_id VARCHAR(128),
			transaction_id VARCHAR(255) UNIQUE,
			status VARCHAR(16) NOT NULL DEFAULT 'mining',
			created_at TIMESTAMPTZ NOT NULL,
			ends_at TIMESTAMPTZ NOT NULL,
			last_accrued_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (ends_at >= created_at)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_contracts_one_shot ON contracts(owner_id) WHERE kind = 'referee_bind';
		CREATE INDEX IF NOT EXISTS idx_contracts_owner_kind ON contracts(owner_id, kind, ends_at DESC);
		CREATE INDEX IF NOT EXISTS idx_contracts_mining ON contracts(id) WHERE status = 'mining';`,
	},
	{
		name: "subscriptions table",
		sql: `
		CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id VARCHAR(255) PRIMARY KEY,
			contract_id BIGINT NOT NULL UNIQUE REFERENCES contracts(id),
			owner_id BIGINT NOT NULL,
			product_id VARCHAR(128) NOT NULL,
			purchase_token TEXT NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			next_billing_date TIMESTAMPTZ NOT NULL,
			grace_period_started_at TIMESTAMPTZ,
			account_hold_started_at TIMESTAMPTZ,
			auto_renewing BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);`,
	},
	{
		name: "subscription history and notification inbox",
		sql: `
		CREATE TABLE IF NOT EXISTS subscription_history (
			id BIGSERIAL PRIMARY KEY,
			subscription_id VARCHAR(255) NOT NULL REFERENCES subscriptions(subscription_id),
			from_status VARCHAR(16) NOT NULL,
			to_status VARCHAR(16) NOT NULL,
			reason VARCHAR(64) NOT NULL,
			notification_id VARCHAR(255) UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_subscription_history_sub ON subscription_history(subscription_id, id);
		CREATE TABLE IF NOT EXISTS subscription_notifications (
			notification_id VARCHAR(255) PRIMARY KEY,
			subscription_id VARCHAR(255) NOT NULL,
			type INT NOT NULL,
			purchase_token TEXT NOT NULL DEFAULT '',
			event_time TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			processed_at TIMESTAMPTZ,
			outcome VARCHAR(32),
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_subscription_notifications_pending
			ON subscription_notifications(received_at) WHERE processed_at IS NULL;`,
	},
	{
		name: "notification retry schedule",
		sql: `
		ALTER TABLE subscription_notifications ADD COLUMN IF NOT EXISTS next_attempt_at TIMESTAMPTZ;
		CREATE INDEX IF NOT EXISTS idx_subscription_notifications_due
			ON subscription_notifications(attempts, received_at) WHERE processed_at IS NULL;`,
	},
	{
		name: "invitation edges",
		sql: `
		CREATE TABLE IF NOT EXISTS invitation_edges (
			invitee_id BIGINT PRIMARY KEY,
			referrer_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			CHECK (invitee_id <> referrer_id)
		);
		CREATE INDEX IF NOT EXISTS idx_invitation_edges_referrer ON invitation_edges(referrer_id);`,
	},
	{
		name: "accrual records",
		sql: `
		CREATE TABLE IF NOT EXISTS accrual_records (
			id BIGSERIAL PRIMARY KEY,
			contract_id BIGINT NOT NULL REFERENCES contracts(id),
			owner_id BIGINT NOT NULL,
			delta NUMERIC(65, 30) NOT NULL,
			tick_id UUID NOT NULL,
			tick_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_accrual_records_owner ON accrual_records(owner_id, id DESC);`,
	},
}

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")
	for i, m := range migrations {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		log.Info().Int("migration", i+1).Str("name", m.name).Msg("Migration applied")
	}
	log.Info().Msg("All migrations completed successfully")
	return nil
}
