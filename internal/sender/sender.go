// Package sender delivers one text message through the browser session.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"salonreach/internal/browser"
	"salonreach/internal/metrics"
	"salonreach/internal/phone"
)

// WarningUnconfirmed marks a message that was submitted but never showed a
// sent tick. The tick is unreliable under automation, so it still counts as sent.
const WarningUnconfirmed = "no visual confirmation"

// Session is the part of session.Manager the sender needs.
type Session interface {
	WithPage(ctx context.Context, fn func(ctx context.Context, page browser.Page) error) error
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Success bool   `json:"success"`
	Warning string `json:"warning,omitempty"`
	Error   string `json:"error,omitempty"`

	// Err is the underlying failure, for errors.Is checks by callers.
	Err error `json:"-"`
}

// Timeouts bounds each step of a delivery attempt.
type Timeouts struct {
	Navigation   time.Duration // open the compose deep link
	Compose      time.Duration // compose box readiness; also bounds typing and submit
	PreSubmit    time.Duration // settle after typing
	PostSubmit   time.Duration // settle after pressing Enter
	Confirmation time.Duration // wait for the sent tick
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigation:   30 * time.Second,
		Compose:      15 * time.Second,
		PreSubmit:    1 * time.Second,
		PostSubmit:   3 * time.Second,
		Confirmation: 5 * time.Second,
	}
}

// Config holds Sender dependencies.
type Config struct {
	Session    Session
	Selectors  browser.SelectorSet
	Normalizer phone.Normalizer // defaults to phone.Heuristic
	Timeouts   Timeouts
	Logger     *slog.Logger
}

// Sender drives the compose flow of the chat web client.
type Sender struct {
	session    Session
	selectors  browser.SelectorSet
	normalizer phone.Normalizer
	timeouts   Timeouts
	logger     *slog.Logger
}

func New(cfg Config) *Sender {
	if cfg.Normalizer == nil {
		cfg.Normalizer = phone.NewHeuristic("", "")
	}
	if cfg.Selectors.ComposeInput == "" {
		cfg.Selectors = browser.WhatsAppSelectors()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// Waits must stay bounded; settle pauses may be zero.
	d := DefaultTimeouts()
	if cfg.Timeouts.Navigation <= 0 {
		cfg.Timeouts.Navigation = d.Navigation
	}
	if cfg.Timeouts.Compose <= 0 {
		cfg.Timeouts.Compose = d.Compose
	}
	if cfg.Timeouts.Confirmation <= 0 {
		cfg.Timeouts.Confirmation = d.Confirmation
	}
	return &Sender{
		session:    cfg.Session,
		selectors:  cfg.Selectors,
		normalizer: cfg.Normalizer,
		timeouts:   cfg.Timeouts,
		logger:     cfg.Logger,
	}
}

// Send makes one delivery attempt. It never returns an error; failures are
// reported in the Result.
func (s *Sender) Send(ctx context.Context, rawPhone, message string) Result {
	start := time.Now()
	number := s.normalizer.Normalize(rawPhone)

	var warning string
	err := s.session.WithPage(ctx, func(ctx context.Context, page browser.Page) error {
		confirmed, err := s.deliver(ctx, page, number, message)
		if err != nil {
			return err
		}
		if !confirmed {
			warning = WarningUnconfirmed
		}
		return nil
	})
	metrics.SendLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SendAttempts.WithLabelValues("failed").Inc()
		s.logger.Warn("send attempt failed", "phone", Mask(number), "err", err)
		return Result{Success: false, Error: err.Error(), Err: err}
	}
	if warning != "" {
		metrics.SendAttempts.WithLabelValues("unconfirmed").Inc()
		s.logger.Info("message submitted without confirmation", "phone", Mask(number))
		return Result{Success: true, Warning: warning}
	}
	metrics.SendAttempts.WithLabelValues("sent").Inc()
	s.logger.Info("message sent", "phone", Mask(number), "elapsed", time.Since(start))
	return Result{Success: true}
}

// deliver runs the compose flow. confirmed is false when the sent tick did
// not appear in time.
func (s *Sender) deliver(ctx context.Context, page browser.Page, number, message string) (confirmed bool, err error) {
	t := s.timeouts

	err = step(ctx, t.Navigation, func(ctx context.Context) error {
		return page.Navigate(ctx, s.selectors.ComposeURL(number, message))
	})
	if err != nil {
		return false, fmt.Errorf("open chat: %w", err)
	}

	err = step(ctx, t.Compose, func(ctx context.Context) error {
		return page.WaitPresent(ctx, s.selectors.ComposeInput)
	})
	if err != nil {
		return false, fmt.Errorf("compose box not found: %w", err)
	}

	err = step(ctx, t.Compose, func(ctx context.Context) error {
		return page.ReplaceText(ctx, s.selectors.ComposeInput, message)
	})
	if err != nil {
		return false, fmt.Errorf("type message: %w", err)
	}

	if err := sleep(ctx, t.PreSubmit); err != nil {
		return false, err
	}

	err = step(ctx, t.Compose, func(ctx context.Context) error {
		return page.PressEnter(ctx, s.selectors.ComposeInput)
	})
	if err != nil {
		return false, fmt.Errorf("submit message: %w", err)
	}

	if err := sleep(ctx, t.PostSubmit); err != nil {
		return false, err
	}

	err = step(ctx, t.Confirmation, func(ctx context.Context) error {
		return page.WaitPresent(ctx, s.selectors.SentIndicator)
	})
	if err != nil {
		// The message is out; only a cancelled session turns this into a failure.
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Debug("confirmation check failed", "err", err)
		}
		return false, nil
	}
	return true, nil
}

// step runs fn with a timeout; d <= 0 means no extra bound.
func step(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Mask hides all but the last four digits of a phone number for logs.
func Mask(number string) string {
	if len(number) <= 4 {
		return "****"
	}
	return "****" + number[len(number)-4:]
}
