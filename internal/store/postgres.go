package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"whookfirm/internal/model"
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

// Migrate applies the embedded schema (dev helper).
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *Postgres) Close() error { return p.db.Close() }

// Subscribers

func (p *Postgres) CreateSubscriber(ctx context.Context, accountID string, in model.SubscriberInput) (model.Subscriber, error) {
	sub := model.Subscriber{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		Email:        in.Email,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Tags:         in.Tags,
		CustomFields: in.CustomFields,
		Status:       "active",
		Source:       in.Source,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscribers (id, account_id, email, first_name, last_name, tags, custom_fields, status, source, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sub.ID, sub.AccountID, sub.Email, nullIfEmpty(sub.FirstName), nullIfEmpty(sub.LastName),
		toJSON(sub.Tags), toJSON(sub.CustomFields), sub.Status, nullIfEmpty(sub.Source), sub.CreatedAt)
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("insert subscriber: %w", err)
	}
	return sub, nil
}

func (p *Postgres) DeleteSubscriber(ctx context.Context, accountID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscribers WHERE account_id=$1 AND id=$2`, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) CountSubscribers(ctx context.Context, accountID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM subscribers WHERE account_id=$1`, accountID).Scan(&n)
	return n, err
}

// Webhook registry

func (p *Postgres) CreateWebhook(ctx context.Context, accountID string, in model.WebhookInput) (model.Webhook, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Webhook{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var active int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM webhooks WHERE account_id=$1 AND is_active`, accountID).Scan(&active); err != nil {
		return model.Webhook{}, err
	}
	if active >= MaxWebhooksPerAccount {
		return model.Webhook{}, ErrQuotaExceeded
	}
	var dup int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM webhooks WHERE account_id=$1 AND url=$2 AND is_active`, accountID, in.URL).Scan(&dup); err != nil {
		return model.Webhook{}, err
	}
	if dup > 0 {
		return model.Webhook{}, ErrDuplicate
	}

	wh := model.Webhook{
		ID:        uuid.NewString(),
		AccountID: accountID,
		URL:       in.URL,
		Events:    in.Events,
		Secret:    in.Secret,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO webhooks (id, account_id, url, events, secret, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,TRUE,$6)`,
		wh.ID, wh.AccountID, wh.URL, toJSON(wh.Events), nullIfEmpty(wh.Secret), wh.CreatedAt)
	if err != nil {
		return model.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Webhook{}, err
	}
	return wh, nil
}

func (p *Postgres) GetWebhook(ctx context.Context, accountID, id string) (model.Webhook, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, account_id, url, events, COALESCE(secret,''), is_active, created_at
		FROM webhooks WHERE account_id=$1 AND id=$2 AND is_active`, accountID, id)
	return scanWebhook(row)
}

func (p *Postgres) ListWebhooks(ctx context.Context, accountID string, includeInactive bool) ([]model.Webhook, error) {
	q := `SELECT id, account_id, url, events, COALESCE(secret,''), is_active, created_at
		FROM webhooks WHERE account_id=$1`
	if !includeInactive {
		q += ` AND is_active`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteWebhook(ctx context.Context, accountID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhooks SET is_active=FALSE WHERE account_id=$1 AND id=$2 AND is_active`, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindActiveWebhooks returns active webhooks of the account subscribed to
// eventType, matched with JSONB containment on the events array.
func (p *Postgres) FindActiveWebhooks(ctx context.Context, accountID, eventType string) ([]model.Webhook, error) {
	match, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id, account_id, url, events, COALESCE(secret,''), is_active, created_at
		FROM webhooks WHERE account_id=$1 AND is_active AND events @> $2::jsonb`, accountID, string(match))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, rows.Err()
}

// Events

func (p *Postgres) CreateEvent(ctx context.Context, ev model.WebhookEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_events (event_id, event_type, account_id, data, processed, created_at)
		VALUES ($1,$2,$3,$4,FALSE,$5)`,
		ev.EventID, ev.EventType, ev.AccountID, []byte(ev.Data), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (p *Postgres) GetEvent(ctx context.Context, eventID string) (model.WebhookEvent, error) {
	var ev model.WebhookEvent
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT event_id, event_type, account_id, data, processed, created_at
		FROM webhook_events WHERE event_id=$1`, eventID).
		Scan(&ev.EventID, &ev.EventType, &ev.AccountID, &data, &ev.Processed, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WebhookEvent{}, ErrNotFound
	}
	if err != nil {
		return model.WebhookEvent{}, err
	}
	ev.Data = data
	return ev, nil
}

func (p *Postgres) MarkEventProcessed(ctx context.Context, eventID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_events SET processed=TRUE WHERE event_id=$1`, eventID)
	return err
}

// Deliveries

func (p *Postgres) GetDelivery(ctx context.Context, webhookID, eventID string) (model.WebhookDelivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, webhook_id, event_id, event_type, payload, status, attempts,
		last_attempt_at, next_attempt_at, COALESCE(response_status,0), COALESCE(response_body,''), created_at
		FROM webhook_deliveries WHERE webhook_id=$1 AND event_id=$2`, webhookID, eventID)
	return scanDelivery(row)
}

// CreateDelivery inserts a delivery row, coalescing with any concurrent
// insert for the same (webhook_id, event_id) key. The row that actually
// exists after the call is returned either way.
func (p *Postgres) CreateDelivery(ctx context.Context, d model.WebhookDelivery) (model.WebhookDelivery, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, webhook_id, event_id, event_type, payload, status, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (webhook_id, event_id) DO NOTHING`,
		d.ID, d.WebhookID, d.EventID, d.EventType, []byte(d.Payload), d.Status, d.Attempts, d.CreatedAt)
	if err != nil {
		return model.WebhookDelivery{}, fmt.Errorf("insert delivery: %w", err)
	}
	return p.GetDelivery(ctx, d.WebhookID, d.EventID)
}

func (p *Postgres) UpdateDeliveryStatus(ctx context.Context, id string, upd DeliveryUpdate) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries
		SET status=$2, attempts=$3, last_attempt_at=$4, next_attempt_at=$5, response_status=$6, response_body=$7
		WHERE id=$1`,
		id, upd.Status, upd.Attempts, upd.LastAttemptAt, upd.NextAttemptAt, upd.ResponseStatus, nullIfEmpty(upd.ResponseBody))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListDeliveries(ctx context.Context, accountID, webhookID, status string, limit int) ([]model.WebhookDelivery, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT d.id, d.webhook_id, d.event_id, d.event_type, d.payload, d.status, d.attempts,
		d.last_attempt_at, d.next_attempt_at, COALESCE(d.response_status,0), COALESCE(d.response_body,''), d.created_at
		FROM webhook_deliveries d JOIN webhooks w ON w.id = d.webhook_id
		WHERE w.account_id=$1 AND d.webhook_id=$2`
	args := []any{accountID, webhookID}
	if status != "" {
		q += ` AND d.status=$3`
		args = append(args, status)
	}
	q += fmt.Sprintf(` ORDER BY d.created_at DESC LIMIT %d`, limit)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// scan helpers

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWebhook(r rowScanner) (model.Webhook, error) {
	var wh model.Webhook
	var events []byte
	err := r.Scan(&wh.ID, &wh.AccountID, &wh.URL, &events, &wh.Secret, &wh.IsActive, &wh.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Webhook{}, ErrNotFound
	}
	if err != nil {
		return model.Webhook{}, err
	}
	_ = json.Unmarshal(events, &wh.Events)
	return wh, nil
}

func scanDelivery(r rowScanner) (model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	var payload []byte
	var lastAt, nextAt sql.NullTime
	err := r.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &payload, &d.Status, &d.Attempts,
		&lastAt, &nextAt, &d.ResponseStatus, &d.ResponseBody, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.WebhookDelivery{}, ErrNotFound
	}
	if err != nil {
		return model.WebhookDelivery{}, err
	}
	d.Payload = payload
	if lastAt.Valid {
		t := lastAt.Time
		d.LastAttemptAt = &t
	}
	if nextAt.Valid {
		t := nextAt.Time
		d.NextAttemptAt = &t
	}
	return d, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
