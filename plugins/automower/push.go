package automower

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joshp123/automower/internal/oauth"
)

// PushState is the push channel lifecycle state.
type PushState string

const (
	PushIdle         PushState = "IDLE"
	PushConnecting   PushState = "CONNECTING"
	PushOpen         PushState = "OPEN"
	PushClosed       PushState = "CLOSED"
	PushReconnecting PushState = "RECONNECTING"
)

const writeWait = 10 * time.Second

// pushAuth is the coordinator side of the handshake. The channel never
// refreshes tokens itself.
type pushAuth interface {
	pushToken(ctx context.Context) (oauth.Token, error)
	// refreshAfterUnauthorized blocks until a new token is installed.
	refreshAfterUnauthorized(ctx context.Context) error
}

type pushConfig struct {
	url            string
	pingInterval   time.Duration
	readTimeout    time.Duration
	reconnectBase  time.Duration
	reconnectCap   time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

type pushChannel struct {
	cfg        pushConfig
	auth       pushAuth
	handle     func(frame []byte)
	onAuthLost func(error)
	onState    func(PushState)

	dialer  *websocket.Dialer
	backoff *backoff
	sleep   func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	state  PushState
	cancel context.CancelFunc
	done   chan struct{}
}

func newPushChannel(cfg pushConfig, auth pushAuth, handle func([]byte), onAuthLost func(error)) *pushChannel {
	return &pushChannel{
		cfg:        cfg,
		auth:       auth,
		handle:     handle,
		onAuthLost: onAuthLost,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.requestTimeout,
		},
		backoff: newBackoff(cfg.reconnectBase, cfg.reconnectCap),
		sleep:   sleepContext,
		state:   PushIdle,
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *pushChannel) State() PushState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *pushChannel) setState(state PushState) {
	p.mu.Lock()
	p.state = state
	hook := p.onState
	p.mu.Unlock()
	if hook != nil {
		hook(state)
	}
}

// Start moves Idle to Connecting and runs until Stop.
func (p *pushChannel) Start() {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.run(ctx)
	}()
}

// Stop cancels any pending reconnect, closes the socket and waits for the
// loop to exit or ctx to expire.
func (p *pushChannel) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.setState(PushIdle)
	return nil
}

func (p *pushChannel) run(ctx context.Context) {
	logger := p.cfg.logger.With(slog.String("component", "push"))
	// refreshed marks that the next dial carries a token installed after a 401.
	refreshed := false

	for {
		p.setState(PushConnecting)
		conn, err := p.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err != nil {
			if errors.Is(err, errHandshakeUnauthorized) {
				if refreshed {
					p.authLost(&AuthError{Status: http.StatusUnauthorized, Reason: "push handshake rejected after refresh"})
					return
				}
				refreshErr := p.auth.refreshAfterUnauthorized(ctx)
				if refreshErr == nil {
					refreshed = true
					continue
				}
				if IsAuthError(refreshErr) {
					p.authLost(refreshErr)
					return
				}
				err = refreshErr
			}
			logger.Warn("push connect failed", slog.String("error", err.Error()))
			p.setState(PushClosed)
			if !p.waitReconnect(ctx) {
				return
			}
			continue
		}

		refreshed = false
		p.backoff.Reset()
		connID := uuid.NewString()
		connLogger := logger.With(slog.String("conn_id", connID))
		connLogger.Info("push channel open")
		p.setState(PushOpen)

		err = p.serve(ctx, conn)
		p.setState(PushClosed)
		if ctx.Err() != nil {
			return
		}
		connLogger.Info("push channel closed", slog.String("error", errString(err)))
		if !p.waitReconnect(ctx) {
			return
		}
	}
}

func (p *pushChannel) authLost(err error) {
	p.setState(PushIdle)
	if p.onAuthLost != nil {
		p.onAuthLost(err)
	}
}

func (p *pushChannel) waitReconnect(ctx context.Context) bool {
	if !p.sleep(ctx, p.backoff.Next()) {
		return false
	}
	pushReconnects.Inc()
	p.setState(PushReconnecting)
	return ctx.Err() == nil
}

var errHandshakeUnauthorized = errors.New("push handshake unauthorized")

func (p *pushChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := p.auth.pushToken(ctx)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", token.AuthorizationHeader())

	conn, resp, err := p.dialer.DialContext(ctx, p.cfg.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, errHandshakeUnauthorized
		}
		return nil, err
	}
	return conn, nil
}

// serve reads frames until the socket fails, two pings go unanswered, or
// ctx is cancelled.
func (p *pushChannel) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	var missed atomic.Int32
	extend := func() error {
		return conn.SetReadDeadline(time.Now().Add(p.cfg.readTimeout))
	}
	if err := extend(); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		missed.Store(0)
		return extend()
	})

	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		ticker := time.NewTicker(p.cfg.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connDone:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				conn.Close()
				return
			case <-ticker.C:
				if missed.Load() >= 2 {
					p.cfg.logger.Warn("push pong missed twice, reconnecting", slog.String("component", "push"))
					conn.Close()
					return
				}
				missed.Add(1)
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := extend(); err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		p.handle(data)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
