package oauth

import (
	"log/slog"
	"sync"
	"time"

	"github.com/joshp123/automower/internal/notify"
)

// DefaultSkew is the margin before expiry at which a token counts as expired.
const DefaultSkew = 60 * time.Second

// Token is the provider's OAuth token record. ExpiresAt is absolute
// seconds since the epoch and is always populated once stored.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	Provider     string `json:"provider,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Expiry returns ExpiresAt as a time.
func (t Token) Expiry() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}

// AuthorizationHeader renders "<token_type> <access_token>".
func (t Token) AuthorizationHeader() string {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}

// Store holds the current token and fans out replacements to observers.
type Store struct {
	provider string
	now      func() time.Time

	// replaceMu orders replacements so observers see tokens in swap order.
	replaceMu sync.Mutex

	mu    sync.RWMutex
	token *Token

	callbacks *notify.Registry[Token]
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithClock overrides the wall clock used for expiry math.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for callback failures.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.callbacks = notify.NewRegistry[Token]("token", logger)
	}
}

func NewStore(provider string, opts ...StoreOption) *Store {
	s := &Store{
		provider:  provider,
		now:       time.Now,
		callbacks: notify.NewRegistry[Token]("token", nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the stored token, if any.
func (s *Store) Current() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return Token{}, false
	}
	return *s.token, true
}

// Replace swaps in a new token and then notifies every token callback.
// ExpiresAt is derived from ExpiresIn when the caller left it unset.
func (s *Store) Replace(token Token) Token {
	s.replaceMu.Lock()
	defer s.replaceMu.Unlock()

	if token.ExpiresAt == 0 {
		token.ExpiresAt = s.now().Unix() + token.ExpiresIn
	}

	s.mu.Lock()
	stored := token
	s.token = &stored
	s.mu.Unlock()

	tokenValid.WithLabelValues(s.provider).Set(1)
	tokenExpiry.WithLabelValues(s.provider).Set(float64(token.ExpiresAt))

	s.callbacks.Publish(token)
	return token
}

// Clear drops the stored token. Observers are not notified.
func (s *Store) Clear() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
	tokenValid.WithLabelValues(s.provider).Set(0)
}

// IsExpired reports now()+skew >= expires_at. A missing token is expired.
func (s *Store) IsExpired(skew time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return true
	}
	deadline := s.now().Add(skew).Unix()
	return deadline >= s.token.ExpiresAt
}

// RegisterCallback adds a token observer and returns its unregister func.
func (s *Store) RegisterCallback(fn func(Token)) func() {
	return s.callbacks.Register(fn)
}

// ClearCallbacks removes every token observer.
func (s *Store) ClearCallbacks() {
	s.callbacks.Clear()
}

// CallbackCount reports the number of registered token observers.
func (s *Store) CallbackCount() int {
	return s.callbacks.Len()
}
