package automower

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joshp123/automower/internal/oauth"
	"github.com/joshp123/automower/internal/rate"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const contentTypeJSONAPI = "application/vnd.api+json"

// TokenReader exposes the current token to the client.
type TokenReader interface {
	Current() (oauth.Token, bool)
}

// Client formats requests to the provider's token and REST endpoints. It
// does not retry and holds no state beyond transport and the token reader.
type Client struct {
	apiURL       string
	tokenURL     string
	authorizeURL string
	clientID     string
	clientSecret string

	tokens     TokenReader
	httpClient *http.Client
	oauthHTTP  *http.Client
}

// NewClient builds a client from cfg. REST calls go through the rate guard;
// token calls do not.
func NewClient(cfg Config, tokens TokenReader) *Client {
	cfg.applyDefaults()

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	oauthHTTP := *base
	if oauthHTTP.Timeout == 0 {
		oauthHTTP.Timeout = cfg.RequestTimeout
	}

	return &Client{
		apiURL:       cfg.APIURL,
		tokenURL:     cfg.TokenURL,
		authorizeURL: DefaultAuthorizeURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokens:       tokens,
		httpClient:   rate.WrapHTTP(*cfg.RateLimits, &oauthHTTP),
		oauthHTTP:    &oauthHTTP,
	}
}

func (c *Client) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authorizeURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.oauthHTTP)
}

// Authenticate performs the password grant.
func (c *Client) Authenticate(ctx context.Context, username, password string) (oauth.Token, error) {
	tok, err := c.oauthConfig("").PasswordCredentialsToken(c.oauthContext(ctx), username, password)
	if err != nil {
		return oauth.Token{}, tokenError(err)
	}
	return fromOAuth2(tok), nil
}

// AuthenticateClientCredentials performs the client_credentials grant.
func (c *Client) AuthenticateClientCredentials(ctx context.Context) (oauth.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		TokenURL:     c.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cfg.Token(c.oauthContext(ctx))
	if err != nil {
		return oauth.Token{}, tokenError(err)
	}
	return fromOAuth2(tok), nil
}

// AuthCodeURL returns the consent URL for the authorization-code flow.
func (c *Client) AuthCodeURL(state, redirectURL string) string {
	return c.oauthConfig(redirectURL).AuthCodeURL(state)
}

// ExchangeCode redeems an authorization code.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURL string) (oauth.Token, error) {
	tok, err := c.oauthConfig(redirectURL).Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return oauth.Token{}, tokenError(err)
	}
	return fromOAuth2(tok), nil
}

// Refresh performs the refresh_token grant. The returned token keeps the old
// refresh token when the provider does not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (oauth.Token, error) {
	if refreshToken == "" {
		return oauth.Token{}, &AuthError{Reason: "no refresh token"}
	}
	src := c.oauthConfig("").TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return oauth.Token{}, tokenError(err)
	}
	return fromOAuth2(tok), nil
}

// ListMowers fetches every mower on the account.
func (c *Client) ListMowers(ctx context.Context) (Snapshot, error) {
	body, err := c.do(ctx, http.MethodGet, c.apiURL+"/mowers/", nil)
	if err != nil {
		return nil, err
	}
	return decodeMowerList(body)
}

// Action posts payload to /mowers/{id}/{kind}. payload may be raw JSON
// ([]byte, json.RawMessage or string) or any value json can encode.
func (c *Client) Action(ctx context.Context, mowerID string, kind CommandKind, payload any) error {
	if mowerID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownMower)
	}
	if !kind.Valid() {
		return fmt.Errorf("unknown command kind %q", kind)
	}
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/mowers/%s/%s", c.apiURL, url.PathEscape(mowerID), kind)
	_, err = c.do(ctx, http.MethodPost, endpoint, body)
	return err
}

func encodePayload(payload any) ([]byte, error) {
	switch value := payload.(type) {
	case nil:
		return nil, errors.New("command payload is required")
	case json.RawMessage:
		return value, nil
	case []byte:
		return value, nil
	case string:
		return []byte(value), nil
	case Command:
		return value.Payload, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode command payload: %w", err)
		}
		return data, nil
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	token, ok := c.tokens.Current()
	if !ok || token.AccessToken == "" {
		return nil, &AuthError{Reason: "no access token", Err: ErrNoToken}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	provider := token.Provider
	if provider == "" {
		provider = Provider
	}
	req.Header.Set("Authorization", token.AuthorizationHeader())
	req.Header.Set("Authorization-Provider", provider)
	req.Header.Set("X-Api-Key", c.clientID)
	req.Header.Set("Content-Type", contentTypeJSONAPI)
	req.Header.Set("Accept", contentTypeJSONAPI)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Status: resp.StatusCode, Err: err}
	}
	if err := statusError(resp.StatusCode, data); err != nil {
		return nil, err
	}
	return data, nil
}

func statusError(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return &AuthError{Status: status, Reason: errorMessage(body)}
	case status >= 400 && status < 500:
		return &ClientError{Status: status, Body: string(body), Message: errorMessage(body)}
	default:
		return &TransientError{Status: status, Err: errors.New(strings.TrimSpace(string(body)))}
	}
}

// errorMessage extracts the first JSON:API error detail, falling back to
// an OAuth error_description or message field.
func errorMessage(body []byte) string {
	var parsed struct {
		Errors []struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		} `json:"errors"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	for _, e := range parsed.Errors {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Title != "" {
			return e.Title
		}
	}
	if parsed.ErrorDescription != "" {
		return parsed.ErrorDescription
	}
	return parsed.Message
}

// tokenError maps token endpoint failures. Every 4xx other than 429 is a
// credential problem; 429, 5xx and transport failures are transient.
func tokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return &TransientError{Err: err}
	}
	status := retrieveErr.Response.StatusCode
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Status: status, Err: err}
	case status >= 400:
		reason := retrieveErr.ErrorCode
		if retrieveErr.ErrorDescription != "" {
			reason = retrieveErr.ErrorDescription
		}
		if reason == "" {
			reason = errorMessage(retrieveErr.Body)
		}
		return &AuthError{Status: status, Reason: reason}
	default:
		return &TransientError{Status: status, Err: err}
	}
}

// fromOAuth2 converts a token response. ExpiresAt stays zero so the store
// derives it from expires_in on its own clock.
func fromOAuth2(tok *oauth2.Token) oauth.Token {
	out := oauth.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    extraInt(tok, "expires_in"),
		Provider:     extraString(tok, "provider"),
		UserID:       extraString(tok, "user_id"),
		Scope:        extraString(tok, "scope"),
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	if out.TokenType == "" {
		out.TokenType = "Bearer"
	}
	return out
}

func extraString(tok *oauth2.Token, key string) string {
	switch value := tok.Extra(key).(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch value := tok.Extra(key).(type) {
	case float64:
		return int64(value)
	case json.Number:
		n, _ := value.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(value, 10, 64)
		return n
	default:
		return 0
	}
}
