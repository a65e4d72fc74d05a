package automower

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joshp123/automower/internal/oauth"
)

type fakePushAuth struct {
	mu        sync.Mutex
	token     string
	refreshes int

	// refreshErrs is consumed one per refresh; nil installs "fresh".
	refreshErrs []error
}

func (a *fakePushAuth) pushToken(context.Context) (oauth.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return oauth.Token{AccessToken: a.token, TokenType: "Bearer"}, nil
}

func (a *fakePushAuth) refreshAfterUnauthorized(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	if len(a.refreshErrs) > 0 {
		err := a.refreshErrs[0]
		a.refreshErrs = a.refreshErrs[1:]
		if err != nil {
			return err
		}
	}
	a.token = "fresh"
	return nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []PushState
	open   chan struct{}
	once   sync.Once
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{open: make(chan struct{})}
}

func (r *stateRecorder) record(state PushState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	if state == PushOpen {
		r.once.Do(func() { close(r.open) })
	}
}

func (r *stateRecorder) snapshot() []PushState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PushState(nil), r.states...)
}

func testPushChannel(url string, auth pushAuth, onAuthLost func(error)) *pushChannel {
	return newPushChannel(pushConfig{
		url:            url,
		pingInterval:   30 * time.Second,
		readTimeout:    60 * time.Second,
		reconnectBase:  5 * time.Second,
		reconnectCap:   5 * time.Minute,
		requestTimeout: 5 * time.Second,
		logger:         discardLogger(),
	}, auth, func([]byte) {}, onAuthLost)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestPushReconnectBackoff(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		first := dials == 1
		mu.Unlock()
		if !first {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
		conn.Close()
	}))
	defer server.Close()

	p := testPushChannel(wsURL(server), &fakePushAuth{token: "A"}, nil)
	recorder := newStateRecorder()
	p.onState = recorder.record
	p.backoff.randN = func(n int64) int64 { return n - 1 }

	var delays []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return len(delays) < 4
	}

	p.Start()
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("push loop did not exit")
	}

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	for i, expected := range want {
		if delays[i] != expected {
			t.Fatalf("delay %d = %s, want %s", i, delays[i], expected)
		}
	}

	states := recorder.snapshot()
	prefix := []PushState{PushConnecting, PushOpen, PushClosed, PushReconnecting, PushConnecting}
	if len(states) < len(prefix) {
		t.Fatalf("too few transitions: %v", states)
	}
	for i, state := range prefix {
		if states[i] != state {
			t.Fatalf("transition %d = %s, want %s (all: %v)", i, states[i], state, states)
		}
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != PushIdle {
		t.Fatalf("expected idle after stop, got %s", p.State())
	}
}

func TestPushRefreshesOnUnauthorizedHandshake(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	auth := &fakePushAuth{token: "stale"}
	p := testPushChannel(wsURL(server), auth, func(err error) {
		t.Errorf("unexpected auth loss: %v", err)
	})
	recorder := newStateRecorder()
	p.onState = recorder.record
	p.sleep = func(context.Context, time.Duration) bool {
		t.Errorf("401 handshake should retry without backoff")
		return false
	}

	p.Start()
	defer p.Stop(context.Background())

	select {
	case <-recorder.open:
	case <-time.After(5 * time.Second):
		t.Fatalf("push channel never opened: %v", recorder.snapshot())
	}
	auth.mu.Lock()
	refreshes := auth.refreshes
	auth.mu.Unlock()
	if refreshes != 1 {
		t.Fatalf("expected 1 refresh, got %d", refreshes)
	}
}

func TestPushSurfacesPersistentUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer server.Close()

	lost := make(chan error, 1)
	auth := &fakePushAuth{token: "stale"}
	p := testPushChannel(wsURL(server), auth, func(err error) { lost <- err })

	p.Start()
	defer p.Stop(context.Background())

	select {
	case err := <-lost:
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("expected AuthError, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("auth loss not surfaced")
	}
	if auth.refreshes != 1 {
		t.Fatalf("expected a single refresh before giving up, got %d", auth.refreshes)
	}
}

func TestPushRetriesRefreshAfterTransientFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	auth := &fakePushAuth{
		token:       "stale",
		refreshErrs: []error{&TransientError{Status: http.StatusServiceUnavailable}},
	}
	p := testPushChannel(wsURL(server), auth, func(err error) {
		t.Errorf("token endpoint outage must not end the session: %v", err)
	})
	recorder := newStateRecorder()
	p.onState = recorder.record
	var waits int
	p.sleep = func(context.Context, time.Duration) bool {
		waits++
		return true
	}

	p.Start()
	defer p.Stop(context.Background())

	select {
	case <-recorder.open:
	case <-time.After(5 * time.Second):
		t.Fatalf("push channel never opened: %v", recorder.snapshot())
	}
	auth.mu.Lock()
	refreshes := auth.refreshes
	auth.mu.Unlock()
	if refreshes != 2 {
		t.Fatalf("expected a second refresh after the transient failure, got %d", refreshes)
	}
	if waits != 1 {
		t.Fatalf("expected one backoff wait after the failed refresh, got %d", waits)
	}
}

func TestPushStopCancelsPendingReconnect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := testPushChannel(wsURL(server), &fakePushAuth{token: "A"}, nil)
	waiting := make(chan struct{})
	var once sync.Once
	p.sleep = func(ctx context.Context, d time.Duration) bool {
		once.Do(func() { close(waiting) })
		return sleepContext(ctx, time.Hour)
	}

	p.Start()
	select {
	case <-waiting:
	case <-time.After(5 * time.Second):
		t.Fatalf("never reached reconnect wait")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != PushIdle {
		t.Fatalf("expected idle, got %s", p.State())
	}
}
