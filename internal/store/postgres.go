package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ordersync/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Migrate creates the schema if absent (dev helper).
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS orders (
    id text PRIMARY KEY,
    status text NOT NULL,
    payment_status text,
    verification_status text,
    payment_method text,
    transaction_id text,
    delivery jsonb,
    history jsonb NOT NULL DEFAULT '[]',
    payload jsonb,
    last_updated timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS fulfillments (
    order_id text NOT NULL,
    vendor_id text NOT NULL,
    stage text NOT NULL,
    updated_at timestamptz NOT NULL,
    PRIMARY KEY (order_id, vendor_id)
);
CREATE INDEX IF NOT EXISTS orders_status_idx ON orders (status);`)
	return err
}

func (p *Postgres) GetOrder(ctx context.Context, id string) (model.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, status, COALESCE(payment_status,''), COALESCE(verification_status,''), COALESCE(payment_method,''), COALESCE(transaction_id,''), delivery, history, payload, last_updated FROM orders WHERE id=$1`, id)
	return scanOrder(row)
}

func (p *Postgres) PutOrder(ctx context.Context, o model.Order) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders (id, status, payment_status, verification_status, payment_method, transaction_id, delivery, history, payload, last_updated)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, payment_status=EXCLUDED.payment_status, verification_status=EXCLUDED.verification_status, payment_method=EXCLUDED.payment_method, transaction_id=EXCLUDED.transaction_id, delivery=EXCLUDED.delivery, history=EXCLUDED.history, payload=EXCLUDED.payload, last_updated=EXCLUDED.last_updated`,
		o.ID, o.Status, nullIfEmpty(o.PaymentStatus), nullIfEmpty(o.VerificationStatus), nullIfEmpty(o.PaymentMethod), nullIfEmpty(o.TransactionID), toJSON(o.Delivery), toJSON(o.StatusHistory), toJSON(o.Payload), o.LastUpdated)
	return err
}

func (p *Postgres) ListOrders(ctx context.Context, status, cursor string, limit int) ([]model.Order, string, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, status, COALESCE(payment_status,''), COALESCE(verification_status,''), COALESCE(payment_method,''), COALESCE(transaction_id,''), delivery, history, payload, last_updated FROM orders`
	args := []any{}
	where := ""
	if status != "" {
		args = append(args, status)
		where = fmt.Sprintf(" WHERE status=$%d", len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		if where == "" {
			where = fmt.Sprintf(" WHERE id>$%d", len(args))
		} else {
			where += fmt.Sprintf(" AND id>$%d", len(args))
		}
	}
	args = append(args, limit)
	q += where + fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rows.Close() }()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, o)
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, rows.Err()
}

func (p *Postgres) GetFulfillment(ctx context.Context, orderID, vendorID string) (model.FulfillmentRecord, error) {
	var rec model.FulfillmentRecord
	var ts time.Time
	err := p.db.QueryRowContext(ctx, `SELECT order_id, vendor_id, stage, updated_at FROM fulfillments WHERE order_id=$1 AND vendor_id=$2`, orderID, vendorID).
		Scan(&rec.OrderID, &rec.VendorID, &rec.Stage, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FulfillmentRecord{}, ErrNotFound
	}
	if err != nil {
		return model.FulfillmentRecord{}, err
	}
	rec.UpdatedAt = ts
	return rec, nil
}

func (p *Postgres) PutFulfillment(ctx context.Context, rec model.FulfillmentRecord) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO fulfillments (order_id, vendor_id, stage, updated_at) VALUES ($1,$2,$3,$4)
ON CONFLICT (order_id, vendor_id) DO UPDATE SET stage=EXCLUDED.stage, updated_at=EXCLUDED.updated_at`,
		rec.OrderID, rec.VendorID, rec.Stage, rec.UpdatedAt)
	return err
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type rowScanner interface{ Scan(dest ...any) error }

func scanOrder(row rowScanner) (model.Order, error) {
	var o model.Order
	var delivery, history, payload []byte
	err := row.Scan(&o.ID, &o.Status, &o.PaymentStatus, &o.VerificationStatus, &o.PaymentMethod, &o.TransactionID, &delivery, &history, &payload, &o.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	if len(delivery) > 0 {
		_ = json.Unmarshal(delivery, &o.Delivery)
	}
	if len(history) > 0 {
		_ = json.Unmarshal(history, &o.StatusHistory)
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &o.Payload)
	}
	return o, nil
}

func toJSON(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
