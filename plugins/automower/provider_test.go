package automower

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joshp123/automower/internal/rate"
)

type actionCall struct {
	path    string
	body    string
	auth    string
	headers http.Header
}

// fakeProvider serves the token, REST and push endpoints.
type fakeProvider struct {
	t      *testing.T
	server *httptest.Server

	mu             sync.Mutex
	tokenForms     []url.Values
	tokenStatuses  []int
	issued         int
	mowersBody     string
	listStatuses   []int
	listCalls      int
	listAuth       []string
	actionStatuses []int
	actionCalls    []actionCall
	wsStatus       int
	wsConns        []*websocket.Conn
	connCh         chan *websocket.Conn
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		t:          t,
		mowersBody: mowerList(map[string]int{"m1": 100}),
		connCh:     make(chan *websocket.Conn, 8),
	}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(func() {
		p.mu.Lock()
		for _, conn := range p.wsConns {
			conn.Close()
		}
		p.mu.Unlock()
		p.server.Close()
	})
	return p
}

func mowerList(batteries map[string]int) string {
	items := make([]string, 0, len(batteries))
	ids := make([]string, 0, len(batteries))
	for id := range batteries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		items = append(items, fmt.Sprintf(
			`{"type":"mower","id":%q,"attributes":{"system":{"name":"Mower %s","model":"450X","serialNumber":1},"battery":{"batteryPercent":%d},"mower":{"mode":"MAIN_AREA","activity":"PARKED_IN_CS","state":"RESTRICTED","errorCode":0,"errorCodeTimestamp":0},"metadata":{"connected":true,"statusTimestamp":1000},"settings":{"cuttingHeight":5,"headlight":{"mode":"EVENING_ONLY"}}}}`,
			id, id, batteries[id]))
	}
	return `{"data":[` + strings.Join(items, ",") + `]}`
}

func (p *fakeProvider) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/oauth2/token":
		p.handleToken(w, r)
	case r.URL.Path == "/v1/mowers/":
		p.handleList(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/mowers/"):
		p.handleAction(w, r)
	case r.URL.Path == "/ws":
		p.handleWS(w, r)
	default:
		p.t.Errorf("unexpected path: %s", r.URL.Path)
		http.NotFound(w, r)
	}
}

func popStatus(queue *[]int, fallback int) int {
	if len(*queue) == 0 {
		return fallback
	}
	status := (*queue)[0]
	*queue = (*queue)[1:]
	return status
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		p.t.Errorf("expected POST to token endpoint, got %s", r.Method)
	}
	if err := r.ParseForm(); err != nil {
		p.t.Errorf("parse token form: %v", err)
	}

	p.mu.Lock()
	p.tokenForms = append(p.tokenForms, r.PostForm)
	status := popStatus(&p.tokenStatuses, http.StatusOK)
	if status == http.StatusOK {
		p.issued++
	}
	issued := p.issued
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"invalid_grant","error_description":"refresh token revoked"}`)
		return
	}
	access := "A"
	if issued > 1 {
		access = fmt.Sprintf("A%d", issued)
	}
	_, _ = fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"R","expires_in":3600,"token_type":"Bearer","provider":"husqvarna","user_id":"user-1","scope":"iam:read amc:api"}`, access)
}

func (p *fakeProvider) handleList(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.listCalls++
	p.listAuth = append(p.listAuth, r.Header.Get("Authorization"))
	status := popStatus(&p.listStatuses, http.StatusOK)
	body := p.mowersBody
	p.mu.Unlock()

	w.Header().Set("Content-Type", contentTypeJSONAPI)
	w.WriteHeader(status)
	if status == http.StatusOK {
		_, _ = io.WriteString(w, body)
	}
}

func (p *fakeProvider) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		p.t.Errorf("expected POST for command, got %s", r.Method)
	}
	body, _ := io.ReadAll(r.Body)

	p.mu.Lock()
	p.actionCalls = append(p.actionCalls, actionCall{
		path:    r.URL.Path,
		body:    string(body),
		auth:    r.Header.Get("Authorization"),
		headers: r.Header.Clone(),
	})
	status := popStatus(&p.actionStatuses, http.StatusAccepted)
	p.mu.Unlock()

	w.Header().Set("Content-Type", contentTypeJSONAPI)
	w.WriteHeader(status)
	if status >= 400 {
		_, _ = io.WriteString(w, `{"errors":[{"status":"400","title":"Bad request","detail":"mower is offline"}]}`)
	}
}

func (p *fakeProvider) handleWS(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	status := p.wsStatus
	p.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.t.Errorf("upgrade: %v", err)
		return
	}
	p.mu.Lock()
	p.wsConns = append(p.wsConns, conn)
	p.mu.Unlock()
	select {
	case p.connCh <- conn:
	default:
	}
}

func (p *fakeProvider) setMowers(body string) {
	p.mu.Lock()
	p.mowersBody = body
	p.mu.Unlock()
}

func (p *fakeProvider) tokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenForms...)
}

func (p *fakeProvider) actions() []actionCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]actionCall(nil), p.actionCalls...)
}

func (p *fakeProvider) wsURL() string {
	return "ws" + strings.TrimPrefix(p.server.URL, "http") + "/ws"
}

func (p *fakeProvider) config() Config {
	unlimited := rate.Provider("test")
	return Config{
		ClientID:     "client-id",
		TokenURL:     p.server.URL + "/oauth2/token",
		APIURL:       p.server.URL + "/v1",
		WebsocketURL: p.wsURL(),
		PollInterval: time.Hour,
		RateLimits:   &unlimited,
		Logger:       discardLogger(),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
