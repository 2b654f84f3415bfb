// Package dbtest opens isolated in-memory sqlite databases carrying the
// fulfillment schema.
package dbtest

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/db"
)

var schema = []string{
	`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		buyer_ref TEXT NOT NULL,
		payment_amount_cents INTEGER NOT NULL,
		coupon_type TEXT NOT NULL DEFAULT 'NONE',
		coupon_amount INTEGER NOT NULL DEFAULT 0,
		used_points INTEGER NOT NULL DEFAULT 0,
		refunded_points INTEGER NOT NULL DEFAULT 0,
		free_shipping_threshold_cents INTEGER NOT NULL DEFAULT 0,
		delivery_fee_cents INTEGER NOT NULL DEFAULT 0,
		refunded_amount_cents INTEGER NOT NULL DEFAULT 0,
		coupon_withheld_cents INTEGER NOT NULL DEFAULT 0,
		default_address TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE line_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		group_number INTEGER NOT NULL,
		product_ref TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		ordered_quantity INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		original_price_cents INTEGER NOT NULL,
		payment_amount_cents INTEGER NOT NULL,
		refunded_amount_cents INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		courier_code TEXT,
		tracking_number TEXT,
		service_id TEXT,
		return_courier_code TEXT,
		return_tracking_number TEXT,
		return_service_id TEXT,
		replacement_courier_code TEXT,
		replacement_tracking_number TEXT,
		purchase_confirmed_at DATETIME,
		reason_code TEXT,
		reason_text TEXT,
		approved BOOLEAN NOT NULL DEFAULT 0,
		cancelled BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE address_records (
		id TEXT PRIMARY KEY,
		line_item_id TEXT NOT NULL,
		purpose TEXT NOT NULL,
		receiver_name TEXT NOT NULL,
		receiver_phone TEXT NOT NULL,
		postal_code TEXT NOT NULL,
		line1 TEXT NOT NULL,
		line2 TEXT,
		entry_instructions TEXT,
		delivery_note TEXT,
		active BOOLEAN NOT NULL,
		created_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_address_records_one_active ON address_records (line_item_id, purpose) WHERE active`,
	`CREATE TABLE return_applications (
		id TEXT PRIMARY KEY,
		line_item_id TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		reason_text TEXT,
		quantity INTEGER NOT NULL,
		pickup_method TEXT,
		pickup_service_id TEXT,
		prior_status TEXT NOT NULL,
		address_record_id TEXT,
		approved BOOLEAN NOT NULL DEFAULT 0,
		cancelled BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE payment_records (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		line_item_id TEXT,
		kind TEXT NOT NULL,
		provider_payment_id TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		refunded_amount_cents INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		refunded_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE refund_records (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		payment_record_id TEXT NOT NULL,
		line_item_id TEXT,
		flow TEXT NOT NULL,
		quantity INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL,
		points_restored INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT NOT NULL UNIQUE,
		provider_refund_id TEXT,
		breakdown TEXT,
		created_at DATETIME
	)`,
	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME,
		published_at DATETIME,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE TABLE outbox_dlq (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		error_reason TEXT NOT NULL,
		error_message TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failed_at DATETIME,
		created_at DATETIME
	)`,
}

// Open returns a fresh database with every fulfillment table created.
func Open(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		require.NoError(t, conn.Exec(stmt).Error)
	}
	return conn
}

// Client wraps Open in the shared transaction helper.
func Client(t *testing.T) (*db.Client, *gorm.DB) {
	t.Helper()
	conn := Open(t)
	return db.NewFromGorm(conn), conn
}
