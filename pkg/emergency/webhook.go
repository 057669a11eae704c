package emergency

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// WebhookNotifier posts notifications as JSON to the contact's address with
// exponential backoff, jitter and a circuit breaker.
type WebhookNotifier struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *CircuitBreaker
}

// NewWebhookNotifier creates a notifier. The request deadline comes from the
// caller's context.
func NewWebhookNotifier(client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		client:     client,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		breaker:    NewCircuitBreaker("webhook", 5, 30*time.Second),
	}
}

// WithRetries overrides the retry count and base backoff.
func (w *WebhookNotifier) WithRetries(maxRetries int, baseDelay time.Duration) *WebhookNotifier {
	w.maxRetries = maxRetries
	w.baseDelay = baseDelay
	return w
}

// Breaker exposes the circuit breaker.
func (w *WebhookNotifier) Breaker() *CircuitBreaker {
	return w.breaker
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if !w.breaker.Allow() {
		return fmt.Errorf("circuit breaker open for %s", w.breaker.name)
	}

	var lastErr error
	for i := 0; i <= w.maxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Contact.Address, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode < 500 {
				w.breaker.Success()
				if resp.StatusCode >= 400 {
					return fmt.Errorf("webhook rejected notification: %s", resp.Status)
				}
				return nil
			}
			lastErr = fmt.Errorf("webhook returned %s", resp.Status)
		} else {
			lastErr = err
		}

		if i == w.maxRetries {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(i))) * w.baseDelay
		jitter := time.Duration(0)
		if j, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
			jitter = time.Duration(j.Int64()) * time.Millisecond
		}
		select {
		case <-ctx.Done():
			w.breaker.Failure()
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}

	w.breaker.Failure()
	return lastErr
}

// CircuitBreaker opens after threshold consecutive failures and lets one
// trial request through after the reset timeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
	clock        func() time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
		clock:        time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if cb.clock().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.failureCount >= cb.threshold || cb.state == "HALF_OPEN" {
		cb.state = "OPEN"
	}
}

// State returns the breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
