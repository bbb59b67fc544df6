package hub

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TokenVerifier authenticates WebSocket clients. Implementations must be safe
// for concurrent use.
type TokenVerifier interface {
	Verify(token string) bool
}

// VerifierFunc adapts a function to the TokenVerifier interface.
type VerifierFunc func(token string) bool

// Verify implements TokenVerifier.
func (f VerifierFunc) Verify(token string) bool { return f(token) }

// StaticVerifier accepts exactly the configured token. An empty configured
// token accepts everything (auth disabled).
func StaticVerifier(token string) TokenVerifier {
	return VerifierFunc(func(candidate string) bool {
		if token == "" {
			return true
		}
		return subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1
	})
}

// AnyVerifier accepts a token that any of the given verifiers accepts.
func AnyVerifier(verifiers ...TokenVerifier) TokenVerifier {
	return VerifierFunc(func(token string) bool {
		for _, v := range verifiers {
			if v.Verify(token) {
				return true
			}
		}
		return false
	})
}

// DefaultTicketTTL is how long an issued ticket stays redeemable.
const DefaultTicketTTL = 30 * time.Second

// TicketVerifier issues short-lived one-shot tickets so browser clients can
// authenticate without embedding the API token in a URL. Verify consumes the
// ticket.
type TicketVerifier struct {
	ttl time.Duration

	mu      sync.Mutex
	tickets map[string]time.Time
}

var _ TokenVerifier = (*TicketVerifier)(nil)

// NewTicketVerifier creates a verifier with the given ticket lifetime.
// A non-positive ttl uses DefaultTicketTTL.
func NewTicketVerifier(ttl time.Duration) *TicketVerifier {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketVerifier{ttl: ttl, tickets: map[string]time.Time{}}
}

// Issue mints a new one-shot ticket.
func (v *TicketVerifier) Issue() string {
	ticket := uuid.NewString()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tickets[ticket] = time.Now().Add(v.ttl)

	// Opportunistic sweep of expired tickets.
	now := time.Now()
	for t, exp := range v.tickets {
		if now.After(exp) {
			delete(v.tickets, t)
		}
	}
	return ticket
}

// Verify redeems the ticket. A ticket verifies at most once.
func (v *TicketVerifier) Verify(token string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	exp, ok := v.tickets[token]
	if !ok {
		return false
	}
	delete(v.tickets, token)
	return time.Now().Before(exp)
}
