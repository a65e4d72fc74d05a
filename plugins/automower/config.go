package automower

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joshp123/automower/internal/oauth"
	"github.com/joshp123/automower/internal/rate"
)

const (
	Provider = "husqvarna"

	DefaultTokenURL     = "https://api.authentication.husqvarnagroup.dev/v1/oauth2/token"
	DefaultAuthorizeURL = "https://api.authentication.husqvarnagroup.dev/v1/oauth2/authorize"
	DefaultAPIURL       = "https://api.amc.husqvarna.dev/v1"
	DefaultWebsocketURL = "wss://ws.openapi.husqvarna.dev/v1"

	defaultRefreshSkew     = 60 * time.Second
	defaultPollInterval    = 5 * time.Minute
	defaultReconnectBase   = 5 * time.Second
	defaultReconnectCap    = 5 * time.Minute
	defaultRequestTimeout  = 30 * time.Second
	defaultPingInterval    = 30 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// NoRefreshSkew disables the early refresh margin. A zero RefreshSkew
// selects the 60s default.
const NoRefreshSkew time.Duration = -1

// DefaultRateLimits is the provider's published API quota.
func DefaultRateLimits() rate.Declaration {
	return rate.Provider(Provider).
		MaxRequestsPer(rate.Second, 1).
		MaxRequestsPer(rate.Month, 10000).
		WaitUpTo(2 * time.Second)
}

// Config defines runtime configuration for a Session.
type Config struct {
	ClientID     string
	ClientSecret string

	TokenURL     string
	APIURL       string
	WebsocketURL string

	RefreshSkew     time.Duration
	PollInterval    time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	RequestTimeout  time.Duration
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	// InitialToken bootstraps the session without a password grant.
	InitialToken *oauth.Token

	// RateLimits overrides DefaultRateLimits. A declaration without limits
	// disables throttling.
	RateLimits *rate.Declaration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

func (c *Config) applyDefaults() {
	c.ClientID = strings.TrimSpace(c.ClientID)
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.WebsocketURL == "" {
		c.WebsocketURL = DefaultWebsocketURL
	}
	switch c.RefreshSkew {
	case NoRefreshSkew:
		c.RefreshSkew = 0
	case 0:
		c.RefreshSkew = defaultRefreshSkew
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = defaultReconnectCap
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 2 * c.PingInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RateLimits == nil {
		limits := DefaultRateLimits()
		c.RateLimits = &limits
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks required fields and interval sanity.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("automower client_id is required")
	}
	if c.RefreshSkew < 0 {
		return errors.New("automower refresh skew must not be negative")
	}
	if c.PollInterval < time.Second {
		return errors.New("automower poll interval must be at least 1s")
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return errors.New("automower reconnect cap must be >= base > 0")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("automower request timeout must be positive")
	}
	if c.ReadTimeout <= c.PingInterval {
		return errors.New("automower read timeout must exceed ping interval")
	}
	if c.InitialToken != nil && c.InitialToken.AccessToken == "" && c.InitialToken.RefreshToken == "" {
		return errors.New("automower initial token has neither access nor refresh token")
	}
	return nil
}

// Credentials selects the grant used by Connect. Empty credentials are
// valid when Config.InitialToken is set.
type Credentials struct {
	Username string
	Password string

	Code        string
	RedirectURL string

	// ClientCredentials uses the client_credentials grant with
	// Config.ClientSecret.
	ClientCredentials bool
}
