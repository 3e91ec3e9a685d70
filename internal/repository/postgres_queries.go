package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// pgQueries runs Queries against a transaction.
type pgQueries struct {
	ext sqlx.ExtContext
}

// --- orders ---

type orderRow struct {
	domain.Order
	ItemsJSON []byte `db:"items"`
}

func (r *orderRow) toDomain() (*domain.Order, error) {
	o := r.Order
	if err := json.Unmarshal(r.ItemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	if !o.Status.Valid() {
		return nil, fmt.Errorf("order %s has unknown status %q", o.ID, o.Status)
	}
	return &o, nil
}

const orderColumns = `id, user_id, cart_version, idempotency_key, total_amount, currency, status, items, created_at, updated_at`

func (q *pgQueries) CreateOrder(ctx context.Context, order *domain.Order) error {
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal order items: %w", err)
	}

	query := `INSERT INTO orders (` + orderColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, insertErr := q.ext.ExecContext(ctx, query,
		order.ID,
		order.UserID,
		order.CartVersion,
		order.IdempotencyKey,
		order.TotalAmount,
		order.Currency,
		order.Status,
		itemsJSON,
		order.CreatedAt,
		order.UpdatedAt)

	if insertErr != nil {
		if isUniqueViolation(insertErr) {
			return ErrDuplicateCheckout
		}
		return fmt.Errorf("insert order: %w", insertErr)
	}
	return nil
}

func (q *pgQueries) getOrder(ctx context.Context, query string, args ...any) (*domain.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, q.ext, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return row.toDomain()
}

func (q *pgQueries) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (q *pgQueries) LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (q *pgQueries) GetOrderByCartVersion(ctx context.Context, userID uuid.UUID, version int64) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND cart_version = $2`, userID, version)
}

func (q *pgQueries) GetOrderByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*domain.Order, error) {
	return q.getOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
}

func (q *pgQueries) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Order, error) {
	var rows []orderRow
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query orders by user id: %w", err)
	}

	orders := make([]*domain.Order, 0, len(rows))
	for i := range rows {
		o, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (q *pgQueries) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus, at time.Time) error {
	res, err := q.ext.ExecContext(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`, id, status, at)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (q *pgQueries) HasPurchased(ctx context.Context, userID uuid.UUID, itemID int64) (bool, error) {
	probe, err := json.Marshal([]map[string]int64{{"item_id": itemID}})
	if err != nil {
		return false, err
	}
	var exists bool
	err = sqlx.GetContext(ctx, q.ext, &exists,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE user_id = $1 AND status = $2 AND items @> $3::jsonb)`,
		userID, domain.OrderStatusPaid, string(probe))
	if err != nil {
		return false, fmt.Errorf("query purchased item: %w", err)
	}
	return exists, nil
}

// --- payments ---

const paymentColumns = `id, order_id, user_id, amount, session_ref, checkout_url, intent_ref, status, refund_requested_at, created_at, updated_at`

func (q *pgQueries) CreatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.SessionRef, p.CheckoutURL, p.IntentRef, p.Status,
		p.RefundRequestedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (q *pgQueries) getPayment(ctx context.Context, query string, arg any) (*domain.Payment, error) {
	var p domain.Payment
	err := sqlx.GetContext(ctx, q.ext, &p, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	if !p.Status.Valid() {
		return nil, fmt.Errorf("payment %s has unknown status %q", p.ID, p.Status)
	}
	return &p, nil
}

func (q *pgQueries) GetPaymentBySession(ctx context.Context, sessionRef string) (*domain.Payment, error) {
	return q.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE session_ref = $1`, sessionRef)
}

func (q *pgQueries) GetPaymentByIntent(ctx context.Context, intentRef string) (*domain.Payment, error) {
	return q.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_ref = $1`, intentRef)
}

func (q *pgQueries) ListPaymentsByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.Payment, error) {
	var payments []*domain.Payment
	err := sqlx.SelectContext(ctx, q.ext, &payments,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query payments by order: %w", err)
	}
	return payments, nil
}

func (q *pgQueries) UpdatePayment(ctx context.Context, p *domain.Payment) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE payments SET status = $2, intent_ref = $3, refund_requested_at = $4, updated_at = $5 WHERE id = $1`,
		p.ID, p.Status, p.IntentRef, p.RefundRequestedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %s already has a settled payment", domain.ErrConflict, p.OrderID)
		}
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (q *pgQueries) InsertPaymentEvent(ctx context.Context, ev *domain.PaymentEvent) (bool, error) {
	res, err := q.ext.ExecContext(ctx,
		`INSERT INTO payment_events (idempotency_id, session_ref, status, outcome, received_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (idempotency_id) DO NOTHING`,
		ev.IdempotencyID, ev.SessionRef, ev.Status, ev.Outcome, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *pgQueries) SetPaymentEventOutcome(ctx context.Context, idempotencyID string, outcome domain.EventOutcome) error {
	_, err := q.ext.ExecContext(ctx,
		`UPDATE payment_events SET outcome = $2 WHERE idempotency_id = $1`, idempotencyID, outcome)
	if err != nil {
		return fmt.Errorf("update payment event: %w", err)
	}
	return nil
}

func (q *pgQueries) AddPaymentTransition(ctx context.Context, tr *domain.PaymentTransition) error {
	err := sqlx.GetContext(ctx, q.ext, &tr.ID,
		`INSERT INTO payment_transitions (payment_id, from_status, to_status, event_id, at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		tr.PaymentID, tr.From, tr.To, tr.EventID, tr.At)
	if err != nil {
		return fmt.Errorf("insert payment transition: %w", err)
	}
	return nil
}

func (q *pgQueries) ListPaymentTransitions(ctx context.Context, orderID uuid.UUID) ([]*domain.PaymentTransition, error) {
	var out []*domain.PaymentTransition
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT t.id, t.payment_id, t.from_status, t.to_status, t.event_id, t.at
		 FROM payment_transitions t JOIN payments p ON p.id = t.payment_id
		 WHERE p.order_id = $1 ORDER BY t.id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query payment transitions: %w", err)
	}
	return out, nil
}

// --- tokens ---

const tokenColumns = `id, token_hash, user_id, kind, chain_id, issued_at, expires_at, revoked_at, replaced_by`

func (q *pgQueries) LockTokenKey(ctx context.Context, userID uuid.UUID, kind domain.TokenKind) error {
	_, err := q.ext.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "token:"+userID.String()+":"+kind.String())
	if err != nil {
		return fmt.Errorf("lock token key: %w", err)
	}
	return nil
}

func (q *pgQueries) InsertToken(ctx context.Context, t *domain.Token) error {
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO security_tokens (`+tokenColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Hash, t.UserID, t.Kind, t.ChainID, t.IssuedAt, t.ExpiresAt, t.RevokedAt, t.ReplacedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

func (q *pgQueries) GetTokenByHash(ctx context.Context, hash string, forUpdate bool) (*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM security_tokens WHERE token_hash = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var t domain.Token
	err := sqlx.GetContext(ctx, q.ext, &t, query, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query token: %w", err)
	}
	return &t, nil
}

func (q *pgQueries) ListActiveTokens(ctx context.Context, userID uuid.UUID, kind domain.TokenKind, now time.Time) ([]*domain.Token, error) {
	var out []*domain.Token
	err := sqlx.SelectContext(ctx, q.ext, &out,
		`SELECT `+tokenColumns+` FROM security_tokens
		 WHERE user_id = $1 AND kind = $2 AND revoked_at IS NULL AND expires_at > $3
		 ORDER BY issued_at, id`, userID, kind, now)
	if err != nil {
		return nil, fmt.Errorf("query active tokens: %w", err)
	}
	return out, nil
}

func (q *pgQueries) RevokeToken(ctx context.Context, id uuid.UUID, at time.Time, replacedBy *uuid.UUID) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE security_tokens SET revoked_at = $2, replaced_by = $3 WHERE id = $1 AND revoked_at IS NULL`,
		id, at, replacedBy)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (q *pgQueries) RevokeTokens(ctx context.Context, userID uuid.UUID, kind domain.TokenKind, at time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE security_tokens SET revoked_at = $3 WHERE user_id = $1 AND kind = $2 AND revoked_at IS NULL`,
		userID, kind, at)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens: %w", err)
	}
	return res.RowsAffected()
}

func (q *pgQueries) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM security_tokens WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return res.RowsAffected()
}

// --- users ---

const userColumns = `id, email, password_hash, is_active, created_at`

func (q *pgQueries) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := q.ext.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.PasswordHash, u.IsActive, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (q *pgQueries) getUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	var u domain.User
	err := sqlx.GetContext(ctx, q.ext, &u, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

func (q *pgQueries) GetUser(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return q.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (q *pgQueries) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return q.getUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (q *pgQueries) UpdateUser(ctx context.Context, u *domain.User) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, is_active = $3 WHERE id = $1`, u.ID, u.PasswordHash, u.IsActive)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// --- outbox ---

func (q *pgQueries) AddOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	err := sqlx.GetContext(ctx, q.ext, &ev.ID,
		`INSERT INTO outbox_events (aggregate_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		ev.AggregateID, ev.EventType, []byte(ev.Payload), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

type outboxRow struct {
	ID          int64      `db:"id"`
	AggregateID string     `db:"aggregate_id"`
	EventType   string     `db:"event_type"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// GetUnprocessedEvents skips rows locked by another poller.
func (q *pgQueries) GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error) {
	var rows []outboxRow
	err := sqlx.SelectContext(ctx, q.ext, &rows,
		`SELECT id, aggregate_id, event_type, payload, created_at, processed_at
		 FROM outbox_events WHERE processed_at IS NULL
		 ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox events: %w", err)
	}

	events := make([]*domain.OutboxEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, &domain.OutboxEvent{
			ID:          r.ID,
			AggregateID: r.AggregateID,
			EventType:   r.EventType,
			Payload:     json.RawMessage(r.Payload),
			CreatedAt:   r.CreatedAt,
			ProcessedAt: r.ProcessedAt,
		})
	}
	return events, nil
}

func (q *pgQueries) MarkEventAsProcessed(ctx context.Context, id int64) error {
	_, err := q.ext.ExecContext(ctx, `UPDATE outbox_events SET processed_at = $2 WHERE id = $1`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}
