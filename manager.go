package tokenkeeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Defaults for the refresh schedule
const (
	DefaultBuffer         = 5 * time.Minute
	DefaultRetryInterval  = 1 * time.Minute
	DefaultRefreshTimeout = 30 * time.Second

	// minimum delay used when a fresh token already lives less than the buffer
	minRefreshDelay = time.Second
)

// Manager decides when to refresh the access token, keeps at most one
// refresh in flight, and ends the session when the refresh token is rejected.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	clock     clockwork.Clock
	logger    *zap.Logger
	tracer    trace.Tracer

	buffer         time.Duration
	retryInterval  time.Duration
	refreshTimeout time.Duration

	// sessionMu orders credential writes from login, logout and refresh so a
	// refresh result can never overwrite a newer login or resurrect a logout
	sessionMu sync.Mutex

	mu        sync.Mutex
	timer     clockwork.Timer
	timerGen  uint64       // bumped on every disarm, stale timer callbacks compare against it
	gen       uint64       // bumped on login/logout, stale refresh results compare against it
	inflight  *refreshCall // non-nil while Refreshing
	loggedOut bool
	closed    bool
}

type refreshCall struct {
	done      chan struct{}
	gen       uint64
	cred      *Credential
	err       error
	published bool
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock used for expiry checks and timers
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithBuffer sets how long before expiry the token is refreshed
func WithBuffer(d time.Duration) Option {
	return func(m *Manager) {
		m.buffer = d
	}
}

// WithRetryInterval sets the delay before retrying after a transient failure
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.retryInterval = d
	}
}

// WithRefreshTimeout bounds a single refresh network call
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshTimeout = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager over store that refreshes through refresher.
// The schedule is not armed until Initialize, Login or ArmSchedule is called.
func NewManager(store CredentialStore, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		refresher:      refresher,
		clock:          clockwork.NewRealClock(),
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("github.com/sitebook/tokenkeeper"),
		buffer:         DefaultBuffer,
		retryInterval:  DefaultRetryInterval,
		refreshTimeout: DefaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("tokenkeeper")
	return m
}

// Clock returns the clock the manager schedules on
func (m *Manager) Clock() clockwork.Clock {
	return m.clock
}

// Store returns the credential store
func (m *Manager) Store() CredentialStore {
	return m.store
}

// State reports the current lifecycle state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.inflight != nil:
		return StateRefreshing
	case m.loggedOut:
		return StateLoggedOut
	case m.timer != nil:
		return StateArmed
	default:
		return StateUnarmed
	}
}

// Current returns a copy of the current credential, or nil
func (m *Manager) Current() *Credential {
	return m.store.Current()
}

// AccessToken returns the current access token, or "" when logged out.
// It never triggers a refresh.
func (m *Manager) AccessToken() string {
	cred := m.store.Current()
	if cred == nil {
		return ""
	}
	return cred.AccessToken
}

// IsExpiringSoon reports whether now+buffer is past the expiry.
// It returns true when there is no credential.
func (m *Manager) IsExpiringSoon(buffer time.Duration) bool {
	cred := m.store.Current()
	if cred == nil {
		return true
	}
	return cred.IsExpiringSoon(m.clock.Now(), buffer)
}

// Expiring is IsExpiringSoon with the configured buffer
func (m *Manager) Expiring() bool {
	return m.IsExpiringSoon(m.buffer)
}

// Subscribe calls fn whenever the authentication state changes.
// Forced logouts are reported here rather than as errors. fn runs on the
// goroutine that changed the credential. It may read the manager or join a
// refresh, but must not call Login or Logout synchronously.
func (m *Manager) Subscribe(fn func(AuthState)) (cancel func()) {
	var mu sync.Mutex
	var last AuthState

	// notifications racing the registration wait until last is set
	mu.Lock()
	defer mu.Unlock()
	cancel = m.store.Subscribe(func(cred *Credential) {
		next := Unauthenticated
		if cred != nil {
			next = Authenticated
		}
		mu.Lock()
		changed := next != last
		last = next
		mu.Unlock()
		if changed {
			fn(next)
		}
	})
	last = Unauthenticated
	if m.store.Current() != nil {
		last = Authenticated
	}
	return cancel
}

// Initialize restores the persisted credential. An already expired record is
// refreshed right away; otherwise the schedule is armed. Refresh failures are
// reflected in State and Subscribe, not returned.
func (m *Manager) Initialize(ctx context.Context) error {
	cred, err := m.store.Load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.gen++
	m.loggedOut = false
	if cred == nil {
		m.disarmLocked()
		m.mu.Unlock()
		m.logger.Debug("no stored credential")
		return nil
	}

	if cred.Schedulable() && cred.IsExpired(m.clock.Now()) && cred.HasRefreshToken() {
		m.mu.Unlock()
		m.logger.Info("stored credential expired, refreshing")
		if _, err := m.RefreshNow(ctx); err != nil {
			m.logger.Warn("refresh at startup failed", zap.Error(err), zap.Bool("fatal", IsFatal(err)))
		}
		return nil
	}

	expired := m.armLocked()
	m.mu.Unlock()
	if expired {
		m.forceLogout(ctx, "expired")
	}
	return nil
}

// Login stores a freshly minted credential and arms the schedule
func (m *Manager) Login(ctx context.Context, cred *Credential) error {
	if cred == nil || cred.AccessToken == "" {
		return fmt.Errorf("login: %w", ErrNoCredential)
	}

	m.sessionMu.Lock()
	m.mu.Lock()
	m.gen++
	m.loggedOut = false
	m.disarmLocked()
	m.mu.Unlock()

	if err := m.store.Save(ctx, cred); err != nil {
		m.logger.Warn("credential not persisted", zap.Error(err))
	}
	m.sessionMu.Unlock()

	m.mu.Lock()
	expired := m.armLocked()
	m.mu.Unlock()
	if expired {
		m.forceLogout(ctx, "expired")
	}
	return nil
}

// Logout clears the credential and disarms the schedule
func (m *Manager) Logout(ctx context.Context) error {
	m.endSession(ctx, "user")
	return nil
}

// Close disarms the schedule and stops accepting timer work.
// An in-flight refresh is allowed to complete.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.disarmLocked()
}

// ArmSchedule (re)arms the refresh timer from the stored expiry.
// An expired record ends the session.
func (m *Manager) ArmSchedule() {
	m.mu.Lock()
	expired := m.armLocked()
	m.mu.Unlock()
	if expired {
		m.forceLogout(context.Background(), "expired")
	}
}

// DisarmSchedule cancels a pending timer. It is idempotent.
func (m *Manager) DisarmSchedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disarmLocked()
}

// RefreshNow refreshes the credential. If a refresh is already in flight it
// returns ErrRefreshInProgress without making a second call. A rejected
// refresh token ends the session; any other failure leaves the credential
// untouched and retries after the retry interval.
func (m *Manager) RefreshNow(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	if m.inflight != nil {
		m.mu.Unlock()
		refreshTotal.WithLabelValues("coalesced").Inc()
		return nil, ErrRefreshInProgress
	}
	call, cred, err := m.beginLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.run(ctx, call, cred)
}

// AwaitRefresh joins the in-flight refresh, or starts one, and returns its
// outcome. Every concurrent caller observes the same result.
func (m *Manager) AwaitRefresh(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		refreshTotal.WithLabelValues("coalesced").Inc()
		select {
		case <-call.done:
			return call.cred.Clone(), call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call, cred, err := m.beginLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.run(ctx, call, cred)
}

func (m *Manager) beginLocked() (*refreshCall, *Credential, error) {
	if m.loggedOut {
		return nil, nil, ErrNoCredential
	}
	cred := m.store.Current()
	if cred == nil || !cred.HasRefreshToken() {
		return nil, nil, ErrNoCredential
	}
	call := &refreshCall{done: make(chan struct{}), gen: m.gen}
	m.inflight = call
	return call, cred, nil
}

// run performs the network call for call and applies its result. After a
// success the in-flight marker stays set until the store has been written, so
// no other refresh can start with a superseded refresh token.
func (m *Manager) run(ctx context.Context, call *refreshCall, cred *Credential) (*Credential, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "tokenkeeper.refresh")
	defer span.End()

	start := time.Now()
	next, err := m.refresher.Refresh(ctx, cred)
	refreshLatency.Observe(time.Since(start).Seconds())
	if err == nil && (next == nil || next.AccessToken == "") {
		err = &RefreshError{Op: "refresh", Kind: KindTransient, Message: "empty credential in response"}
	}
	if err == nil && next.IssuedAt.IsZero() {
		next = next.Clone()
		next.IssuedAt = m.clock.Now()
	}

	// Joiners get the outcome before the store notifies its observers, so an
	// observer that joins this refresh never waits on itself.
	var outcome string
	switch {
	case err == nil:
		outcome = "success"
		m.sessionMu.Lock()
		m.mu.Lock()
		current := call.gen == m.gen
		if current {
			m.publishLocked(call, next, nil)
		}
		m.mu.Unlock()
		if !current {
			outcome, next, err = "discarded", nil, ErrCredentialChanged
		} else if perr := m.store.Save(ctx, next); perr != nil {
			m.logger.Warn("refreshed credential not persisted", zap.Error(perr))
		}
		m.sessionMu.Unlock()
	case IsFatal(err):
		outcome = "fatal"
		m.sessionMu.Lock()
		m.mu.Lock()
		current := call.gen == m.gen
		if current {
			m.publishLocked(call, nil, err)
			if m.inflight == call {
				m.inflight = nil
			}
			m.logoutLocked()
		}
		m.mu.Unlock()
		if current {
			m.clearStore(ctx, "refresh_rejected")
		}
		m.sessionMu.Unlock()
	default:
		outcome = "transient"
	}
	refreshTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("tokenkeeper.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	m.mu.Lock()
	if m.inflight == call {
		m.inflight = nil
	}
	var expired bool
	switch outcome {
	case "success":
		expired = m.armLocked()
	case "transient":
		if !m.closed && call.gen == m.gen {
			m.scheduleLocked(m.retryInterval)
		}
	}
	m.publishLocked(call, next, err)
	m.mu.Unlock()

	switch outcome {
	case "success":
		m.logger.Debug("credential refreshed", zap.Time("expires_at", next.ExpiresAt))
	case "transient":
		m.logger.Warn("refresh failed, will retry", zap.Error(err), zap.Duration("retry_in", m.retryInterval))
	case "fatal":
		m.logger.Info("refresh token rejected, session ended", zap.Error(err))
	case "discarded":
		m.logger.Debug("refresh result discarded, credential changed meanwhile")
	}
	if expired {
		m.forceLogout(ctx, "expired")
	}
	return next.Clone(), err
}

// publishLocked releases everyone waiting on call. Only the first outcome counts.
func (m *Manager) publishLocked(call *refreshCall, cred *Credential, err error) {
	if call.published {
		return
	}
	call.published = true
	call.cred, call.err = cred, err
	close(call.done)
}

func (m *Manager) onTimer(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil

	cred := m.store.Current()
	if cred == nil {
		m.mu.Unlock()
		return
	}
	if !cred.Schedulable() || cred.ExpiresAt.Sub(m.clock.Now()) > m.buffer {
		// refreshed elsewhere; just re-arm
		m.armLocked()
		m.mu.Unlock()
		return
	}
	if m.inflight != nil {
		m.scheduleLocked(m.retryInterval)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	_, err := m.RefreshNow(context.Background())
	switch {
	case err == nil:
	case errors.Is(err, ErrRefreshInProgress):
		m.mu.Lock()
		if m.timer == nil && !m.closed {
			m.scheduleLocked(m.retryInterval)
		}
		m.mu.Unlock()
	case errors.Is(err, ErrNoCredential):
		m.logger.Debug("nothing to refresh")
	}
}

// armLocked schedules the timer from the stored expiry. It returns true when
// the record has already expired; the caller must then end the session after
// releasing the lock.
func (m *Manager) armLocked() (expired bool) {
	m.disarmLocked()
	if m.closed {
		return false
	}
	cred := m.store.Current()
	if cred == nil || !cred.Schedulable() {
		return false
	}

	now := m.clock.Now()
	if cred.IsExpired(now) {
		return true
	}

	remaining := cred.ExpiresAt.Sub(now)
	delay := remaining - m.buffer
	if delay < 0 {
		delay = 0
		// a token that lives less than the buffer would otherwise be refreshed in a loop
		if !cred.IssuedAt.IsZero() && now.Sub(cred.IssuedAt) < m.buffer {
			delay = max(remaining/2, minRefreshDelay)
		}
	}
	m.scheduleLocked(delay)
	m.logger.Debug("refresh scheduled", zap.Duration("in", delay))
	return false
}

func (m *Manager) scheduleLocked(d time.Duration) {
	m.disarmLocked()
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(d, func() { m.onTimer(gen) })
}

func (m *Manager) disarmLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) forceLogout(ctx context.Context, reason string) {
	m.logger.Info("session ended", zap.String("reason", reason))
	m.endSession(ctx, reason)
}

func (m *Manager) endSession(ctx context.Context, reason string) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	m.endSessionLocked(ctx, reason)
}

// endSessionLocked requires sessionMu
func (m *Manager) endSessionLocked(ctx context.Context, reason string) {
	m.mu.Lock()
	m.logoutLocked()
	m.mu.Unlock()
	m.clearStore(ctx, reason)
}

func (m *Manager) logoutLocked() {
	m.gen++
	m.loggedOut = true
	m.disarmLocked()
}

func (m *Manager) clearStore(ctx context.Context, reason string) {
	logoutTotal.WithLabelValues(reason).Inc()
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("persisted credential not cleared", zap.Error(err))
	}
}
