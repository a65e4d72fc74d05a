package automower

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joshp123/automower/internal/core"
	"github.com/joshp123/automower/internal/notify"
	"github.com/joshp123/automower/internal/oauth"
	"golang.org/x/sync/singleflight"
)

type lifecycle string

// dataEvent is one queued snapshot; seq orders it against registrations.
type dataEvent struct {
	seq      uint64
	snapshot Snapshot
}

const (
	lifecycleIdle       lifecycle = "idle"
	lifecycleConnecting lifecycle = "connecting"
	lifecycleConnected  lifecycle = "connected"
	lifecycleHalted     lifecycle = "halted"
	lifecycleClosed     lifecycle = "closed"
)

// Session owns the token store, REST client, push channel and the mower
// snapshot. It is the only surface downstream adapters use.
type Session struct {
	cfg    Config
	logger *slog.Logger

	tokens *oauth.Store
	client *Client
	push   *pushChannel

	refreshGroup singleflight.Group

	// mutateMu serialises snapshot writes and the order they are queued for
	// observers. Observers run on the notifier goroutine, never under it.
	mutateMu      sync.Mutex
	seq           uint64
	dataCallbacks *notify.Registry[dataEvent]
	notifier      *notify.Dispatcher[dataEvent]

	mu                sync.RWMutex
	snapshot          Snapshot
	state             lifecycle
	err               error
	clientCredentials bool
	cancel            context.CancelFunc

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

func NewSession(cfg Config) (*Session, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.With(slog.String("component", "automower"))
	s := &Session{
		cfg:           cfg,
		logger:        logger,
		tokens:        oauth.NewStore(Provider, oauth.WithClock(cfg.Now), oauth.WithLogger(logger)),
		dataCallbacks: notify.NewRegistry[dataEvent]("data", logger),
		state:         lifecycleIdle,
		done:          make(chan struct{}),
	}
	s.notifier = notify.NewDispatcher(s.dataCallbacks)
	s.client = NewClient(cfg, s.tokens)
	s.push = newPushChannel(pushConfig{
		url:            cfg.WebsocketURL,
		pingInterval:   cfg.PingInterval,
		readTimeout:    cfg.ReadTimeout,
		reconnectBase:  cfg.ReconnectBase,
		reconnectCap:   cfg.ReconnectCap,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
	}, s, s.handlePush, s.halt)
	return s, nil
}

// Client exposes the REST client, mainly for one-off grants such as login.
func (s *Session) Client() *Client {
	return s.client
}

// Connect acquires a token, fetches the mower list, publishes the first
// snapshot, then starts the push channel and the poll timer.
func (s *Session) Connect(ctx context.Context, creds Credentials) error {
	s.mu.Lock()
	if s.state != lifecycleIdle {
		state := s.state
		s.mu.Unlock()
		return &StateError{Op: "connect", State: string(state)}
	}
	s.state = lifecycleConnecting
	s.clientCredentials = creds.ClientCredentials
	s.mu.Unlock()

	if err := s.connect(ctx, creds); err != nil {
		s.mu.Lock()
		if s.state == lifecycleConnecting {
			s.state = lifecycleIdle
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) connect(ctx context.Context, creds Credentials) error {
	if err := s.acquireToken(ctx, creds); err != nil {
		if IsAuthError(err) {
			return err
		}
		return &ConnectError{Err: err}
	}

	var snapshot Snapshot
	err := s.doAuthed(ctx, func(ctx context.Context) error {
		var err error
		snapshot, err = s.client.ListMowers(ctx)
		return err
	})
	if err != nil {
		pollTotal.WithLabelValues("error").Inc()
		return &ConnectError{Err: err}
	}
	pollTotal.WithLabelValues("ok").Inc()

	bgCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != lifecycleConnecting {
		s.mu.Unlock()
		cancel()
		return &StateError{Op: "connect", State: string(s.state), Err: ErrClosed}
	}
	s.state = lifecycleConnected
	s.cancel = cancel
	s.mu.Unlock()

	s.replaceSnapshot(snapshot)
	s.logger.Info("automower session connected", slog.Int("mowers", len(snapshot)))

	s.push.Start()
	s.wg.Add(1)
	go s.pollLoop(bgCtx)
	return nil
}

func (s *Session) acquireToken(ctx context.Context, creds Credentials) error {
	var (
		token oauth.Token
		err   error
	)
	switch {
	case creds.Code != "":
		token, err = s.client.ExchangeCode(ctx, creds.Code, creds.RedirectURL)
	case creds.ClientCredentials:
		token, err = s.client.AuthenticateClientCredentials(ctx)
	case creds.Username != "" || creds.Password != "":
		token, err = s.client.Authenticate(ctx, creds.Username, creds.Password)
	case s.cfg.InitialToken != nil:
		s.tokens.Replace(*s.cfg.InitialToken)
		return s.ensureToken(ctx)
	default:
		return &AuthError{Reason: "no credentials or initial token"}
	}
	if err != nil {
		return err
	}
	s.tokens.Replace(token)
	return nil
}

// doAuthed runs fn with a fresh token. A rejected token triggers one
// refresh and one retry; a second rejection is returned as is.
func (s *Session) doAuthed(ctx context.Context, fn func(context.Context) error) error {
	if err := s.ensureToken(ctx); err != nil {
		return err
	}
	before, _ := s.tokens.Current()
	err := fn(ctx)
	if !IsAuthError(err) {
		return err
	}
	s.logger.Info("automower token rejected, refreshing")
	if err := s.refresh(ctx, before.AccessToken); err != nil {
		return err
	}
	return fn(ctx)
}

func (s *Session) ensureToken(ctx context.Context) error {
	if !s.tokens.IsExpired(s.cfg.RefreshSkew) {
		return nil
	}
	return s.refresh(ctx, "")
}

// refresh replaces the token once for all concurrent callers. With a
// non-empty rejected value it is a no-op when the token already changed;
// otherwise it is a no-op when the token is no longer near expiry.
func (s *Session) refresh(ctx context.Context, rejected string) error {
	ch := s.refreshGroup.DoChan("refresh", func() (any, error) {
		current, ok := s.tokens.Current()
		if rejected != "" && ok && current.AccessToken != rejected {
			return nil, nil
		}
		if rejected == "" && ok && !s.tokens.IsExpired(s.cfg.RefreshSkew) {
			return nil, nil
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
		defer cancel()

		var (
			token oauth.Token
			err   error
		)
		s.mu.RLock()
		clientCredentials := s.clientCredentials
		s.mu.RUnlock()
		switch {
		case ok && current.RefreshToken != "":
			token, err = s.client.Refresh(rctx, current.RefreshToken)
		case clientCredentials:
			token, err = s.client.AuthenticateClientCredentials(rctx)
		default:
			err = &AuthError{Reason: "token expired and no refresh token"}
		}
		if err != nil {
			refreshTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if token.RefreshToken == "" {
			token.RefreshToken = current.RefreshToken
		}
		if token.Provider == "" {
			token.Provider = current.Provider
		}
		s.tokens.Replace(token)
		refreshTotal.WithLabelValues("ok").Inc()
		s.logger.Debug("automower token refreshed")
		return nil, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if IsAuthError(res.Err) {
			s.halt(res.Err)
		}
		return res.Err
	}
}

// halt moves a connected session to the terminal re-authentication state.
func (s *Session) halt(err error) {
	s.mu.Lock()
	if s.state != lifecycleConnected {
		s.mu.Unlock()
		return
	}
	s.state = lifecycleHalted
	s.err = err
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Error("automower session halted, re-authentication required", slog.String("error", err.Error()))
	if cancel != nil {
		cancel()
	}
	// halt can run on the push loop, which Stop waits for.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = s.push.Stop(ctx)
	}()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	err := s.RefreshNow(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case IsAuthError(err):
		s.halt(err)
	default:
		s.logger.Warn("automower poll failed", slog.String("error", err.Error()))
	}
}

// RefreshNow fetches the mower list and replaces the snapshot. Mowers
// missing from the response are dropped.
func (s *Session) RefreshNow(ctx context.Context) error {
	if err := s.requireConnected("refresh"); err != nil {
		return err
	}
	var snapshot Snapshot
	err := s.doAuthed(ctx, func(ctx context.Context) error {
		var err error
		snapshot, err = s.client.ListMowers(ctx)
		return err
	})
	if err != nil {
		pollTotal.WithLabelValues("error").Inc()
		return err
	}
	pollTotal.WithLabelValues("ok").Inc()
	s.replaceSnapshot(snapshot)
	return nil
}

func (s *Session) replaceSnapshot(next Snapshot) {
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	s.mu.Lock()
	s.snapshot = next
	s.mu.Unlock()
	s.publishLocked(next)
}

// publishLocked queues snapshot for observers. Callers hold mutateMu.
func (s *Session) publishLocked(snapshot Snapshot) {
	s.seq++
	s.notifier.Enqueue(dataEvent{seq: s.seq, snapshot: snapshot})
}

func (s *Session) handlePush(frame []byte) {
	ev, err := parseEvent(frame)
	if err != nil {
		pushEvents.WithLabelValues("invalid").Inc()
		s.logger.Warn("automower push frame rejected", slog.String("error", err.Error()))
		return
	}
	logger := s.logger.With(slog.String("mower_id", ev.ID), slog.String("event", ev.Type))

	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	s.mu.RLock()
	current := s.snapshot
	connected := s.state == lifecycleConnected
	s.mu.RUnlock()
	if !connected {
		return
	}

	attrs, ok := current[ev.ID]
	if !ok {
		pushEvents.WithLabelValues("unknown_mower").Inc()
		logger.Debug("automower push event for unknown mower dropped")
		return
	}

	next, result, unknown, err := mergeEvent(attrs, ev)
	if err != nil {
		pushEvents.WithLabelValues("invalid").Inc()
		logger.Warn("automower push event rejected", slog.String("error", err.Error()))
		return
	}
	for _, key := range unknown {
		logger.Info("automower push attribute ignored", slog.String("key", key))
	}
	if result == mergeStale {
		pushEvents.WithLabelValues("stale").Inc()
		return
	}

	snapshot := current.with(ev.ID, next)
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
	pushEvents.WithLabelValues("applied").Inc()
	s.publishLocked(snapshot)
}

func (s *Session) pushToken(ctx context.Context) (oauth.Token, error) {
	if err := s.ensureToken(ctx); err != nil {
		return oauth.Token{}, err
	}
	token, ok := s.tokens.Current()
	if !ok {
		return oauth.Token{}, &AuthError{Reason: "no access token", Err: ErrNoToken}
	}
	return token, nil
}

func (s *Session) refreshAfterUnauthorized(ctx context.Context) error {
	current, _ := s.tokens.Current()
	return s.refresh(ctx, current.AccessToken)
}

// Data returns the current snapshot. Callers must not modify it.
func (s *Session) Data() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return Snapshot{}
	}
	return s.snapshot
}

// Mower returns one mower's attributes.
func (s *Session) Mower(id string) (MowerAttributes, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attrs, ok := s.snapshot[id]
	return attrs, ok
}

// RegisterDataCallback adds a snapshot observer and returns its unregister
// func. Observers are called in order from a single notifier goroutine and
// only see snapshots produced after registration. With immediate set, fn
// runs once with the current snapshot before this returns.
func (s *Session) RegisterDataCallback(fn func(Snapshot), immediate bool) func() {
	ready := make(chan struct{})
	if !immediate {
		close(ready)
	}

	s.mutateMu.Lock()
	since := s.seq
	current := s.Data()
	unregister := s.dataCallbacks.Register(func(ev dataEvent) {
		<-ready
		if ev.seq > since {
			fn(ev.snapshot)
		}
	})
	s.mutateMu.Unlock()

	if immediate {
		s.dataCallbacks.Invoke(func(ev dataEvent) { fn(ev.snapshot) }, dataEvent{seq: since, snapshot: current})
		close(ready)
	}
	return unregister
}

// RegisterTokenCallback adds an observer for every new token, e.g. for
// durable storage.
func (s *Session) RegisterTokenCallback(fn func(oauth.Token)) func() {
	return s.tokens.RegisterCallback(fn)
}

// Token returns the current token.
func (s *Session) Token() (oauth.Token, bool) {
	return s.tokens.Current()
}

// Action sends payload to /mowers/{id}/{kind}. It never changes the
// snapshot; the next poll or push event reflects the outcome.
func (s *Session) Action(ctx context.Context, mowerID string, kind CommandKind, payload any) error {
	if err := s.requireConnected("action"); err != nil {
		return err
	}
	err := s.doAuthed(ctx, func(ctx context.Context) error {
		return s.client.Action(ctx, mowerID, kind, payload)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	commandTotal.WithLabelValues(string(kind), result).Inc()
	return err
}

// Send dispatches a prepared Command.
func (s *Session) Send(ctx context.Context, mowerID string, cmd Command) error {
	return s.Action(ctx, mowerID, cmd.Kind, cmd.Payload)
}

func (s *Session) ResumeSchedule(ctx context.Context, mowerID string) error {
	return s.Send(ctx, mowerID, ResumeScheduleCommand())
}

func (s *Session) Pause(ctx context.Context, mowerID string) error {
	return s.Send(ctx, mowerID, PauseCommand())
}

func (s *Session) ParkUntilNextSchedule(ctx context.Context, mowerID string) error {
	return s.Send(ctx, mowerID, ParkUntilNextScheduleCommand())
}

func (s *Session) ParkUntilFurtherNotice(ctx context.Context, mowerID string) error {
	return s.Send(ctx, mowerID, ParkUntilFurtherNoticeCommand())
}

func (s *Session) StartFor(ctx context.Context, mowerID string, d time.Duration) error {
	cmd, err := StartForCommand(d)
	if err != nil {
		return err
	}
	return s.Send(ctx, mowerID, cmd)
}

func (s *Session) ParkFor(ctx context.Context, mowerID string, d time.Duration) error {
	cmd, err := ParkForCommand(d)
	if err != nil {
		return err
	}
	return s.Send(ctx, mowerID, cmd)
}

func (s *Session) SetCuttingHeight(ctx context.Context, mowerID string, height int) error {
	cmd, err := CuttingHeightCommand(height)
	if err != nil {
		return err
	}
	return s.Send(ctx, mowerID, cmd)
}

func (s *Session) SetHeadlightMode(ctx context.Context, mowerID string, mode HeadlightMode) error {
	cmd, err := HeadlightCommand(mode)
	if err != nil {
		return err
	}
	return s.Send(ctx, mowerID, cmd)
}

func (s *Session) SetCalendar(ctx context.Context, mowerID string, tasks []CalendarTask) error {
	cmd, err := CalendarCommand(tasks)
	if err != nil {
		return err
	}
	return s.Send(ctx, mowerID, cmd)
}

func (s *Session) requireConnected(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case lifecycleConnected:
		return nil
	case lifecycleHalted:
		return &StateError{Op: op, State: string(s.state), Err: s.err}
	case lifecycleClosed:
		return &StateError{Op: op, State: string(s.state), Err: ErrClosed}
	default:
		return &StateError{Op: op, State: string(s.state), Err: ErrNotConnected}
	}
}

// Close stops the poll timer and push channel, waits up to
// ShutdownTimeout for background work, then drops callbacks and the token.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == lifecycleClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = lifecycleClosed
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	stopCtx, stop := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer stop()
	if err := s.push.Stop(stopCtx); err != nil {
		s.logger.Warn("automower push stop timed out", slog.String("error", err.Error()))
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-stopCtx.Done():
		s.logger.Warn("automower shutdown timed out waiting for background work")
	}

	if err := s.notifier.Close(stopCtx); err != nil {
		s.logger.Warn("automower data callback still running at shutdown")
	}
	s.dataCallbacks.Clear()
	s.tokens.ClearCallbacks()
	s.tokens.Clear()
	s.doneOnce.Do(func() { close(s.done) })
	s.logger.Info("automower session closed")
	return nil
}

// Done is closed when the session halts or closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error after a halt, or nil.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// PushState reports the push channel state.
func (s *Session) PushState() PushState {
	return s.push.State()
}

func (s *Session) Health() core.HealthStatus {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	switch {
	case state == lifecycleConnected && s.push.State() == PushOpen:
		return core.HealthHealthy
	case state == lifecycleConnected:
		return core.HealthDegraded
	default:
		return core.HealthError
	}
}

func (s *Session) HealthMessage() string {
	s.mu.RLock()
	state, err := s.state, s.err
	count := len(s.snapshot)
	s.mu.RUnlock()
	switch state {
	case lifecycleConnected:
		return fmt.Sprintf("%d mowers, push %s", count, s.push.State())
	case lifecycleHalted:
		if err != nil {
			return "re-authentication required: " + err.Error()
		}
		return "re-authentication required"
	default:
		return string(state)
	}
}

// Reauthenticate reports whether the session halted for credentials.
func (s *Session) Reauthenticate() bool {
	var authErr *AuthError
	return errors.As(s.Err(), &authErr)
}
