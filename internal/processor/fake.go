package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fjod/go_cinema/internal/domain"
)

// Fake is an in-process processor with deterministic references.
type Fake struct {
	mu       sync.Mutex
	seq      int
	failNext int
	sessions map[string]*fakeSession
	keys     map[string]string // idempotency key -> session ref
	refunds  map[string]string // idempotency key -> refund ref
	calls    FakeCalls
}

// FakeCalls counts effective calls, excluding injected failures and replays.
type FakeCalls struct {
	Created  int
	Expired  int
	Refunded int
}

type fakeSession struct {
	req       SessionRequest
	expired   bool
	completed bool
}

func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]*fakeSession),
		keys:     make(map[string]string),
		refunds:  make(map[string]string),
	}
}

// FailNext makes the next n calls fail with domain.ErrExternalUnavailable.
func (f *Fake) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// Expired reports whether the session was expired.
func (f *Fake) Expired(sessionRef string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionRef]
	return ok && s.expired
}

// Complete marks a session as paid so it can no longer be expired.
func (f *Fake) Complete(sessionRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionRef]; ok {
		s.completed = true
	}
}

func (f *Fake) Calls() FakeCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) fail() error {
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("%w: fake processor outage", domain.ErrExternalUnavailable)
	}
	return nil
}

func (f *Fake) CreateSession(_ context.Context, req SessionRequest) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return Session{}, err
	}
	// same key, same session, whatever its state
	if ref, ok := f.keys[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return Session{Ref: ref, URL: "https://pay.example.test/" + ref}, nil
	}
	f.seq++
	f.calls.Created++
	ref := fmt.Sprintf("cs_fake_%d", f.seq)
	f.sessions[ref] = &fakeSession{req: req}
	if req.IdempotencyKey != "" {
		f.keys[req.IdempotencyKey] = ref
	}
	return Session{Ref: ref, URL: "https://pay.example.test/" + ref}, nil
}

func (f *Fake) ExpireSession(_ context.Context, sessionRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	s, ok := f.sessions[sessionRef]
	if !ok {
		return fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionRef)
	}
	if s.completed {
		return fmt.Errorf("%w: session %s already completed", domain.ErrInvalidState, sessionRef)
	}
	if !s.expired {
		s.expired = true
		f.calls.Expired++
	}
	return nil
}

func (f *Fake) Refund(_ context.Context, intentRef, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return "", err
	}
	if ref, ok := f.refunds[idempotencyKey]; ok {
		return ref, nil
	}
	f.seq++
	f.calls.Refunded++
	ref := fmt.Sprintf("re_fake_%d", f.seq)
	f.refunds[idempotencyKey] = ref
	return ref, nil
}

// FakeWebhook accepts decoded notifications as plain JSON without a
// signature. It pairs with Fake in development.
type FakeWebhook struct{}

func (FakeWebhook) Parse(payload []byte, _ string) (*domain.Notification, error) {
	var n domain.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return &n, nil
}
