package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cinema/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore implements Store and CartRepository in process memory. A single
// mutex serializes every unit of work; a failed unit restores the state it
// started from.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type memState struct {
	carts       map[uuid.UUID]domain.Cart
	orders      map[uuid.UUID]domain.Order
	payments    map[uuid.UUID]domain.Payment
	events      map[string]domain.PaymentEvent
	transitions []domain.PaymentTransition
	tokens      map[uuid.UUID]domain.Token
	users       map[uuid.UUID]domain.User
	outbox      []domain.OutboxEvent
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		carts:    make(map[uuid.UUID]domain.Cart),
		orders:   make(map[uuid.UUID]domain.Order),
		payments: make(map[uuid.UUID]domain.Payment),
		events:   make(map[string]domain.PaymentEvent),
		tokens:   make(map[uuid.UUID]domain.Token),
		users:    make(map[uuid.UUID]domain.User),
	}}
}

func (s memState) clone() memState {
	c := memState{
		carts:       make(map[uuid.UUID]domain.Cart, len(s.carts)),
		orders:      cloneMap(s.orders),
		payments:    cloneMap(s.payments),
		events:      cloneMap(s.events),
		transitions: slices.Clone(s.transitions),
		tokens:      cloneMap(s.tokens),
		users:       cloneMap(s.users),
		outbox:      slices.Clone(s.outbox),
		seq:         s.seq,
	}
	for k, v := range s.carts {
		v.Items = slices.Clone(v.Items)
		c.carts[k] = v
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.state.clone()
	if err := fn(&memQueries{st: &s.state}); err != nil {
		s.state = saved
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// --- CartRepository ---

func (s *MemoryStore) GetCart(_ context.Context, userID uuid.UUID) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.carts[userID]
	if !ok {
		return nil, ErrCartNotFound
	}
	c.Items = slices.Clone(c.Items)
	return &c, nil
}

func (s *MemoryStore) AddItem(_ context.Context, userID uuid.UUID, item domain.CartItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	c, ok := s.state.carts[userID]
	if !ok {
		c = domain.Cart{UserID: userID, CreatedAt: now}
	}
	if c.Contains(item.ItemID) {
		return false, nil
	}
	c.Items = append(slices.Clone(c.Items), item)
	c.Version++
	c.UpdatedAt = now
	s.state.carts[userID] = c
	return true, nil
}

func (s *MemoryStore) RemoveItem(_ context.Context, userID uuid.UUID, itemID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.carts[userID]
	if !ok {
		return ErrCartNotFound
	}
	if !c.Contains(itemID) {
		return ErrItemNotFound
	}
	s.removeItems(c, []int64{itemID})
	return nil
}

func (s *MemoryStore) RemoveItems(_ context.Context, userID uuid.UUID, itemIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.carts[userID]
	if !ok || len(itemIDs) == 0 {
		return nil
	}
	s.removeItems(c, itemIDs)
	return nil
}

func (s *MemoryStore) DeleteCart(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.carts[userID]
	if !ok {
		return nil
	}
	ids := make([]int64, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.ItemID)
	}
	s.removeItems(c, ids)
	return nil
}

func (s *MemoryStore) removeItems(c domain.Cart, itemIDs []int64) {
	c.Items = slices.DeleteFunc(slices.Clone(c.Items), func(it domain.CartItem) bool {
		return slices.Contains(itemIDs, it.ItemID)
	})
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	s.state.carts[c.UserID] = c
}

// memQueries operates on state already guarded by MemoryStore.mu.
type memQueries struct {
	st *memState
}

// --- orders ---

func (q *memQueries) CreateOrder(_ context.Context, order *domain.Order) error {
	for _, o := range q.st.orders {
		if o.UserID != order.UserID {
			continue
		}
		if o.CartVersion == order.CartVersion {
			return ErrDuplicateCheckout
		}
		if o.IdempotencyKey != nil && order.IdempotencyKey != nil && *o.IdempotencyKey == *order.IdempotencyKey {
			return ErrDuplicateCheckout
		}
	}
	o := *order
	o.Items = slices.Clone(order.Items)
	q.st.orders[o.ID] = o
	return nil
}

func (q *memQueries) GetOrder(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	o, ok := q.st.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (q *memQueries) LockOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return q.GetOrder(ctx, id)
}

func (q *memQueries) findOrder(match func(o domain.Order) bool) (*domain.Order, error) {
	for _, o := range q.st.orders {
		if match(o) {
			return &o, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (q *memQueries) GetOrderByCartVersion(_ context.Context, userID uuid.UUID, version int64) (*domain.Order, error) {
	return q.findOrder(func(o domain.Order) bool {
		return o.UserID == userID && o.CartVersion == version
	})
}

func (q *memQueries) GetOrderByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*domain.Order, error) {
	return q.findOrder(func(o domain.Order) bool {
		return o.UserID == userID && o.IdempotencyKey != nil && *o.IdempotencyKey == key
	})
}

func (q *memQueries) ListOrdersByUser(_ context.Context, userID uuid.UUID) ([]*domain.Order, error) {
	var out []*domain.Order
	for _, o := range q.st.orders {
		if o.UserID == userID {
			o := o
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (q *memQueries) UpdateOrderStatus(_ context.Context, id uuid.UUID, status domain.OrderStatus, at time.Time) error {
	o, ok := q.st.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	q.st.orders[id] = o
	return nil
}

func (q *memQueries) HasPurchased(_ context.Context, userID uuid.UUID, itemID int64) (bool, error) {
	for _, o := range q.st.orders {
		if o.UserID == userID && o.Status == domain.OrderStatusPaid && o.ContainsItem(itemID) {
			return true, nil
		}
	}
	return false, nil
}

// --- payments ---

func (q *memQueries) CreatePayment(_ context.Context, p *domain.Payment) error {
	for _, existing := range q.st.payments {
		if existing.SessionRef == p.SessionRef {
			return ErrDuplicatePayment
		}
	}
	q.st.payments[p.ID] = *p
	return nil
}

func (q *memQueries) findPayment(match func(p domain.Payment) bool) (*domain.Payment, error) {
	for _, p := range q.st.payments {
		if match(p) {
			return &p, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (q *memQueries) GetPaymentBySession(_ context.Context, sessionRef string) (*domain.Payment, error) {
	return q.findPayment(func(p domain.Payment) bool { return p.SessionRef == sessionRef })
}

func (q *memQueries) GetPaymentByIntent(_ context.Context, intentRef string) (*domain.Payment, error) {
	return q.findPayment(func(p domain.Payment) bool { return p.IntentRef != nil && *p.IntentRef == intentRef })
}

func (q *memQueries) ListPaymentsByOrder(_ context.Context, orderID uuid.UUID) ([]*domain.Payment, error) {
	var out []*domain.Payment
	for _, p := range q.st.payments {
		if p.OrderID == orderID {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *memQueries) UpdatePayment(_ context.Context, p *domain.Payment) error {
	if _, ok := q.st.payments[p.ID]; !ok {
		return ErrPaymentNotFound
	}
	q.st.payments[p.ID] = *p
	return nil
}

func (q *memQueries) InsertPaymentEvent(_ context.Context, ev *domain.PaymentEvent) (bool, error) {
	if _, ok := q.st.events[ev.IdempotencyID]; ok {
		return false, nil
	}
	q.st.events[ev.IdempotencyID] = *ev
	return true, nil
}

func (q *memQueries) SetPaymentEventOutcome(_ context.Context, idempotencyID string, outcome domain.EventOutcome) error {
	ev, ok := q.st.events[idempotencyID]
	if !ok {
		return nil
	}
	ev.Outcome = outcome
	q.st.events[idempotencyID] = ev
	return nil
}

func (q *memQueries) AddPaymentTransition(_ context.Context, tr *domain.PaymentTransition) error {
	q.st.seq++
	tr.ID = q.st.seq
	q.st.transitions = append(q.st.transitions, *tr)
	return nil
}

func (q *memQueries) ListPaymentTransitions(_ context.Context, orderID uuid.UUID) ([]*domain.PaymentTransition, error) {
	var out []*domain.PaymentTransition
	for _, tr := range q.st.transitions {
		p, ok := q.st.payments[tr.PaymentID]
		if ok && p.OrderID == orderID {
			tr := tr
			out = append(out, &tr)
		}
	}
	return out, nil
}

// --- tokens ---

// LockTokenKey is a no-op: the store mutex already serializes the unit of work.
func (q *memQueries) LockTokenKey(context.Context, uuid.UUID, domain.TokenKind) error {
	return nil
}

func (q *memQueries) InsertToken(_ context.Context, t *domain.Token) error {
	for _, existing := range q.st.tokens {
		if existing.Hash == t.Hash {
			return ErrDuplicateToken
		}
		if t.Kind.SingleActive() && existing.UserID == t.UserID && existing.Kind == t.Kind && !existing.IsRevoked() {
			return ErrDuplicateToken
		}
	}
	q.st.tokens[t.ID] = *t
	return nil
}

func (q *memQueries) GetTokenByHash(_ context.Context, hash string, _ bool) (*domain.Token, error) {
	for _, t := range q.st.tokens {
		if t.Hash == hash {
			return &t, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (q *memQueries) ListActiveTokens(_ context.Context, userID uuid.UUID, kind domain.TokenKind, now time.Time) ([]*domain.Token, error) {
	var out []*domain.Token
	for _, t := range q.st.tokens {
		if t.UserID == userID && t.Kind == kind && t.IsActive(now) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (q *memQueries) RevokeToken(_ context.Context, id uuid.UUID, at time.Time, replacedBy *uuid.UUID) error {
	t, ok := q.st.tokens[id]
	if !ok || t.IsRevoked() {
		return ErrTokenNotFound
	}
	t.RevokedAt = &at
	t.ReplacedBy = replacedBy
	q.st.tokens[id] = t
	return nil
}

func (q *memQueries) RevokeTokens(_ context.Context, userID uuid.UUID, kind domain.TokenKind, at time.Time) (int64, error) {
	var n int64
	for id, t := range q.st.tokens {
		if t.UserID == userID && t.Kind == kind && !t.IsRevoked() {
			t.RevokedAt = &at
			q.st.tokens[id] = t
			n++
		}
	}
	return n, nil
}

func (q *memQueries) DeleteExpiredTokens(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for id, t := range q.st.tokens {
		if t.ExpiresAt.Before(before) {
			delete(q.st.tokens, id)
			n++
		}
	}
	return n, nil
}

// --- users ---

func (q *memQueries) CreateUser(_ context.Context, u *domain.User) error {
	for _, existing := range q.st.users {
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	q.st.users[u.ID] = *u
	return nil
}

func (q *memQueries) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	u, ok := q.st.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (q *memQueries) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	for _, u := range q.st.users {
		if u.Email == email {
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (q *memQueries) UpdateUser(_ context.Context, u *domain.User) error {
	if _, ok := q.st.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	q.st.users[u.ID] = *u
	return nil
}

// --- outbox ---

func (q *memQueries) AddOutboxEvent(_ context.Context, ev *domain.OutboxEvent) error {
	q.st.seq++
	ev.ID = q.st.seq
	q.st.outbox = append(q.st.outbox, *ev)
	return nil
}

func (q *memQueries) GetUnprocessedEvents(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	var out []*domain.OutboxEvent
	for _, ev := range q.st.outbox {
		if ev.ProcessedAt != nil {
			continue
		}
		ev := ev
		out = append(out, &ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *memQueries) MarkEventAsProcessed(_ context.Context, id int64) error {
	for i := range q.st.outbox {
		if q.st.outbox[i].ID == id {
			now := time.Now().UTC()
			q.st.outbox[i].ProcessedAt = &now
		}
	}
	return nil
}
