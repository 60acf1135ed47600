// Package session owns the process-wide browser automation session.
//
// There is exactly one browser tab. Manager serialises every operation that
// touches it behind one lock; other packages reach the tab only through
// WithPage.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"salonreach/internal/browser"
	"salonreach/internal/bus"
	"salonreach/internal/metrics"
)

// Timeouts bounds every blocking step of the session lifecycle.
type Timeouts struct {
	Launch     time.Duration // browser startup
	Navigation time.Duration // loading the client page
	QRInit     time.Duration // QR wait during Initialize (non-fatal)
	QRRestart  time.Duration // QR wait during Restart (fatal)
	Probe      time.Duration // one login-state probe
}

// DefaultTimeouts returns the production defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Launch:     30 * time.Second,
		Navigation: 30 * time.Second,
		QRInit:     30 * time.Second,
		QRRestart:  10 * time.Second,
		Probe:      5 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Launch <= 0 {
		t.Launch = d.Launch
	}
	if t.Navigation <= 0 {
		t.Navigation = d.Navigation
	}
	if t.QRInit <= 0 {
		t.QRInit = d.QRInit
	}
	if t.QRRestart <= 0 {
		t.QRRestart = d.QRRestart
	}
	if t.Probe <= 0 {
		t.Probe = d.Probe
	}
	return t
}

// Config holds Manager dependencies.
type Config struct {
	Launcher  browser.Launcher
	Selectors browser.SelectorSet
	Headless  bool
	Timeouts  Timeouts
	Events    *bus.EventBus // optional
	Logger    *slog.Logger
}

// Result is returned by Initialize and Restart.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// StatusResult is returned by Status.
type StatusResult struct {
	LoggedIn bool   `json:"isLoggedIn"`
	State    State  `json:"state"`
	Message  string `json:"message"`
}

// Manager is the single automation session.
type Manager struct {
	launcher  browser.Launcher
	selectors browser.SelectorSet
	headless  bool
	timeouts  Timeouts
	events    *bus.EventBus
	logger    *slog.Logger

	// mu is held for the whole of any operation that uses page.
	mu sync.Mutex

	// fieldsMu guards the fields below for quick reads and for Stop to
	// abort an operation that is holding mu.
	fieldsMu sync.RWMutex
	state    State
	page     browser.Page
	opCtx    context.Context
	abort    context.CancelFunc
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Selectors.URL == "" {
		cfg.Selectors = browser.WhatsAppSelectors()
	}
	m := &Manager{
		launcher:  cfg.Launcher,
		selectors: cfg.Selectors,
		headless:  cfg.Headless,
		timeouts:  cfg.Timeouts.withDefaults(),
		events:    cfg.Events,
		logger:    cfg.Logger,
		state:     StateUninitialized,
	}
	metrics.SetSessionState(string(StateUninitialized), stateNames())
	return m
}

// State returns the current lifecycle state without probing the page.
func (m *Manager) State() State {
	m.fieldsMu.RLock()
	defer m.fieldsMu.RUnlock()
	return m.state
}

type startOptions struct {
	headless  bool
	qrWait    time.Duration
	requireQR bool
	preempt   bool // abort the operation holding mu instead of waiting for it
	reason    string
}

// Initialize opens a fresh session, closing any open one first. Concurrent
// calls run one after the other. A missing QR code is not an error: the
// profile may already be logged in.
func (m *Manager) Initialize(ctx context.Context) (Result, error) {
	return m.start(ctx, startOptions{
		headless: m.headless,
		qrWait:   m.timeouts.QRInit,
		reason:   "initialize",
	})
}

// Restart stops any session, aborting work in flight as Stop does, and
// starts a headless one that must show a QR code within the restart timeout.
func (m *Manager) Restart(ctx context.Context) (Result, error) {
	return m.start(ctx, startOptions{
		headless:  true,
		qrWait:    m.timeouts.QRRestart,
		requireQR: true,
		preempt:   true,
		reason:    "restart",
	})
}

func (m *Manager) start(ctx context.Context, opts startOptions) (Result, error) {
	if opts.preempt {
		m.abortInFlight()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentPage() != nil {
		m.logger.Info("closing existing session", "reason", opts.reason)
		m.closeLocked(StateStopped)
	}

	opCtx, abort := context.WithCancel(context.Background())
	m.fieldsMu.Lock()
	m.opCtx, m.abort = opCtx, abort
	m.fieldsMu.Unlock()
	m.setState(StateInitializing)

	runCtx, cancel := mergeCancel(ctx, opCtx)
	defer cancel()

	fail := func(cause Cause, err error) (Result, error) {
		m.closeLocked(StateUninitialized)
		ierr := &InitError{Cause: cause, Err: err}
		m.logger.Error("session initialization failed", "reason", opts.reason, "cause", cause, "err", err)
		return Result{Success: false, Message: ierr.Message()}, ierr
	}

	launchCtx, launchCancel := context.WithTimeout(runCtx, m.timeouts.Launch)
	page, err := m.launcher.Launch(launchCtx, browser.LaunchOptions{
		Headless:       opts.headless,
		StartupTimeout: m.timeouts.Launch,
	})
	launchCancel()
	if err != nil {
		return fail(classify(err), err)
	}

	m.fieldsMu.Lock()
	m.page = page
	m.fieldsMu.Unlock()

	navCtx, navCancel := context.WithTimeout(runCtx, m.timeouts.Navigation)
	err = page.Navigate(navCtx, m.selectors.URL)
	navCancel()
	if err != nil {
		return fail(classify(err), err)
	}

	m.setState(StateAwaitingLogin)

	qrCtx, qrCancel := context.WithTimeout(runCtx, opts.qrWait)
	qrErr := page.WaitPresent(qrCtx, m.selectors.LoginQR)
	qrCancel()

	if opCtx.Err() != nil {
		return fail(CauseOther, errors.New("session stopped during initialization"))
	}

	if qrErr != nil {
		if opts.requireQR {
			return fail(CauseQRNotFound, qrErr)
		}
		m.logger.Warn("QR code not detected, the profile may already be logged in", "err", qrErr)
		return Result{
			Success: true,
			Message: "Session started. QR code not detected; the account may already be logged in. Check the status endpoint.",
		}, nil
	}

	m.logger.Info("session started, waiting for QR scan", "reason", opts.reason)
	m.events.Emit(bus.Event{Type: bus.EventSessionQRRequired, Source: "session"})
	return Result{
		Success: true,
		Message: "Session started. Scan the QR code in the browser window to log in.",
	}, nil
}

// Status probes the page and reports whether the client is logged in.
func (m *Manager) Status(ctx context.Context) StatusResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentPage() == nil {
		return StatusResult{
			LoggedIn: false,
			State:    m.State(),
			Message:  "No active session. Call initialize first.",
		}
	}

	switch m.probeLocked(ctx) {
	case LoginLoggedIn:
		m.setState(StateLoggedIn)
		return StatusResult{LoggedIn: true, State: StateLoggedIn, Message: "Logged in and ready to send."}
	case LoginAwaiting:
		m.setState(StateAwaitingLogin)
		return StatusResult{LoggedIn: false, State: StateAwaitingLogin, Message: "Waiting for the QR code to be scanned."}
	default:
		state := m.State()
		return StatusResult{
			LoggedIn: state == StateLoggedIn,
			State:    state,
			Message:  "Could not check the login state; reporting the last known state.",
		}
	}
}

// ProbeLoginState checks the login surface once, bounded by the probe timeout.
func (m *Manager) ProbeLoginState(ctx context.Context) LoginState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeLocked(ctx)
}

func (m *Manager) probeLocked(ctx context.Context) LoginState {
	page := m.currentPage()
	if page == nil {
		return LoginUnknown
	}
	runCtx, cancel := mergeCancel(ctx, m.currentOpCtx())
	defer cancel()
	probeCtx, probeCancel := context.WithTimeout(runCtx, m.timeouts.Probe)
	defer probeCancel()

	present, err := page.Present(probeCtx, m.selectors.LoginQR)
	if err != nil {
		m.logger.Warn("login probe failed", "err", err)
		return LoginUnknown
	}
	if present {
		return LoginAwaiting
	}
	return LoginLoggedIn
}

// Stop closes the session. It aborts any automation step in flight, and is a
// no-op success when nothing is open.
func (m *Manager) Stop(ctx context.Context) (Result, error) {
	m.abortInFlight()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentPage() == nil {
		m.closeLocked(StateStopped)
		return Result{Success: true, Message: "No active session."}, nil
	}
	m.closeLocked(StateStopped)
	m.logger.Info("session stopped")
	return Result{Success: true, Message: "Session stopped."}, nil
}

// WithPage runs fn with exclusive use of the page. fn's ctx is cancelled
// if the session is stopped; a failure of fn after that is reported as
// ErrNoSession. A nil result from fn is returned as is.
func (m *Manager) WithPage(ctx context.Context, fn func(ctx context.Context, page browser.Page) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	page := m.currentPage()
	opCtx := m.currentOpCtx()
	if page == nil || opCtx == nil || opCtx.Err() != nil {
		return ErrNoSession
	}

	runCtx, cancel := mergeCancel(ctx, opCtx)
	defer cancel()

	err := fn(runCtx, page)
	if err != nil && opCtx.Err() != nil {
		return ErrNoSession
	}
	return err
}

func (m *Manager) abortInFlight() {
	m.fieldsMu.RLock()
	abort := m.abort
	m.fieldsMu.RUnlock()
	if abort != nil {
		abort()
	}
}

// closeLocked releases the page and resets the session fields. mu must be held.
func (m *Manager) closeLocked(next State) {
	m.fieldsMu.Lock()
	page, abort := m.page, m.abort
	m.page, m.opCtx, m.abort = nil, nil, nil
	m.fieldsMu.Unlock()

	if abort != nil {
		abort()
	}
	if page != nil {
		if err := page.Close(); err != nil {
			m.logger.Warn("close browser", "err", err)
		}
	}
	m.setState(next)
}

func (m *Manager) currentPage() browser.Page {
	m.fieldsMu.RLock()
	defer m.fieldsMu.RUnlock()
	return m.page
}

func (m *Manager) currentOpCtx() context.Context {
	m.fieldsMu.RLock()
	defer m.fieldsMu.RUnlock()
	return m.opCtx
}

func (m *Manager) setState(s State) {
	m.fieldsMu.Lock()
	prev := m.state
	m.state = s
	m.fieldsMu.Unlock()

	if prev == s {
		return
	}
	metrics.SetSessionState(string(s), stateNames())
	m.logger.Debug("session state changed", "from", prev, "to", s)
	m.events.Emit(bus.Event{
		Type:    bus.EventSessionStateChanged,
		Source:  "session",
		Payload: map[string]any{"from": string(prev), "to": string(s)},
	})
}

// classify maps launch/navigation errors to an InitError cause.
func classify(err error) Cause {
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}
	return CauseOther
}

// mergeCancel returns a ctx derived from ctx that is also cancelled when
// other is done. other may be nil.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	if other == nil {
		return merged, cancel
	}
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
