// Package campaign validates message batches and sends them one at a time
// through the automation session with pacing and retries.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"salonreach/internal/bus"
	"salonreach/internal/metrics"
	"salonreach/internal/retry"
	"salonreach/internal/sender"
	"salonreach/internal/session"
)

var (
	ErrNotLoggedIn     = errors.New("whatsapp session is not logged in")
	ErrCampaignRunning = errors.New("a campaign is already running")
)

// MessageSender makes one delivery attempt.
type MessageSender interface {
	Send(ctx context.Context, phone, message string) sender.Result
}

// SessionStatus reports whether the session can send.
type SessionStatus interface {
	Status(ctx context.Context) session.StatusResult
}

// Config holds Dispatcher dependencies.
type Config struct {
	Sender       MessageSender
	Session      SessionStatus
	RetryBackoff time.Duration // wait between attempts of one message
	Events       *bus.EventBus // optional
	Logger       *slog.Logger

	// Timer and Sleep replace real waiting in tests.
	Timer backoff.Timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher runs at most one campaign at a time.
type Dispatcher struct {
	sender       MessageSender
	session      SessionStatus
	retryBackoff time.Duration
	events       *bus.EventBus
	logger       *slog.Logger
	timer        backoff.Timer
	sleep        func(ctx context.Context, d time.Duration) error

	running atomic.Bool
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Dispatcher{
		sender:       cfg.Sender,
		session:      cfg.Session,
		retryBackoff: cfg.RetryBackoff,
		events:       cfg.Events,
		logger:       cfg.Logger,
		timer:        cfg.Timer,
		sleep:        cfg.Sleep,
	}
}

// Running reports whether a campaign is in progress.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Dispatch validates jobs and sends them in order.
//
// A *ValidationError or ErrCampaignRunning returns a nil report. When the
// session is not logged in the report is returned with zero counts alongside
// ErrNotLoggedIn. Otherwise every job ends up in the report exactly once and
// the error is nil.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []Job, opts Options) (*Report, error) {
	if err := Validate(jobs); err != nil {
		metrics.CampaignsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if !d.running.CompareAndSwap(false, true) {
		metrics.CampaignsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrCampaignRunning
	}
	defer d.running.Store(false)

	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	report := newReport(len(jobs))

	status := d.session.Status(ctx)
	if !status.LoggedIn {
		report.Errors = append(report.Errors, "WhatsApp is not logged in: "+status.Message)
		report.finish()
		metrics.CampaignsTotal.WithLabelValues("rejected").Inc()
		d.logger.Warn("campaign rejected, session not logged in", "state", status.State)
		return report, ErrNotLoggedIn
	}

	d.logger.Info("campaign started", "id", report.ID, "messages", len(jobs),
		"delay", opts.DelayBetweenMessages, "max_retries", opts.MaxRetries)
	d.emit(bus.EventCampaignStarted, map[string]any{"id": report.ID, "total": len(jobs)})

	var abort string
	for i, job := range jobs {
		if abort == "" && ctx.Err() != nil {
			abort = "campaign cancelled before this message was sent"
		}
		if abort != "" {
			report.recordFailed(job, 0, abort)
			metrics.MessagesTotal.WithLabelValues(string(StatusFailed)).Inc()
			d.emitMessage(report, i, job)
			continue
		}

		attempts, res, err := d.sendWithRetry(ctx, job, opts)
		switch {
		case err == nil:
			report.recordSent(job, attempts, res.Warning)
			if res.Warning != "" {
				metrics.MessagesTotal.WithLabelValues("unconfirmed").Inc()
			}
			metrics.MessagesTotal.WithLabelValues(string(StatusSent)).Inc()
		default:
			reason := res.Error
			if reason == "" {
				reason = err.Error()
			}
			report.recordFailed(job, attempts, reason)
			metrics.MessagesTotal.WithLabelValues(string(StatusFailed)).Inc()
			if errors.Is(err, session.ErrNoSession) {
				abort = "session stopped before this message was sent"
			}
		}
		d.emitMessage(report, i, job)

		if i < len(jobs)-1 && abort == "" {
			if err := d.sleep(ctx, opts.DelayBetweenMessages); err != nil {
				abort = "campaign cancelled before this message was sent"
			}
		}
	}

	report.finish()
	outcome := "success"
	if !report.Success {
		outcome = "partial"
	}
	metrics.CampaignsTotal.WithLabelValues(outcome).Inc()
	d.logger.Info("campaign finished", "id", report.ID, "sent", report.SentCount,
		"failed", report.FailedCount, "unconfirmed", report.UnconfirmedCount,
		"elapsed", report.FinishedAt.Sub(report.StartedAt))
	d.emit(bus.EventCampaignFinished, map[string]any{
		"id":          report.ID,
		"success":     report.Success,
		"sent":        report.SentCount,
		"failed":      report.FailedCount,
		"unconfirmed": report.UnconfirmedCount,
	})
	return report, nil
}

// sendWithRetry returns the number of attempts made, the last result, and
// nil once an attempt succeeds.
func (d *Dispatcher) sendWithRetry(ctx context.Context, job Job, opts Options) (int, sender.Result, error) {
	var (
		last     sender.Result
		attempts int
	)
	policy := retry.Policy{
		Attempts: opts.MaxRetries,
		Backoff:  retry.Constant(d.retryBackoff),
		Timer:    d.timer,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			d.logger.Warn("send failed, retrying", "phone", sender.Mask(job.Phone),
				"attempt", attempt, "wait", wait, "err", err)
		},
	}
	err := retry.Do(ctx, policy, func(attempt int) error {
		attempts = attempt
		last = d.safeSend(ctx, job)
		if last.Success {
			return nil
		}
		if errors.Is(last.Err, session.ErrNoSession) {
			return retry.Permanent(last.Err)
		}
		if last.Err != nil {
			return last.Err
		}
		return errors.New(last.Error)
	})
	return attempts, last, err
}

// safeSend turns a panic in one attempt into a failed result.
func (d *Dispatcher) safeSend(ctx context.Context, job Job) (res sender.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("send attempt panicked", "phone", sender.Mask(job.Phone), "panic", r)
			err := fmt.Errorf("internal error: %v", r)
			res = sender.Result{Error: err.Error(), Err: err}
		}
	}()
	return d.sender.Send(ctx, job.Phone, job.Message)
}

func (d *Dispatcher) emitMessage(r *Report, index int, job Job) {
	det := r.Details[len(r.Details)-1]
	d.emit(bus.EventCampaignMessage, map[string]any{
		"id":             r.ID,
		"index":          index,
		"professionalId": job.ProfessionalID,
		"status":         string(det.Status),
		"attempts":       det.Attempts,
		"warning":        det.Warning,
		"error":          det.Error,
	})
}

func (d *Dispatcher) emit(typ string, payload map[string]any) {
	d.events.Emit(bus.Event{Type: typ, Source: "campaign", Payload: payload, Timestamp: time.Now()})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
