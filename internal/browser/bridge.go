package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ErrClosed is returned by Page methods after Close.
var ErrClosed = errors.New("browser page closed")

// Launcher starts a browser and hands back its single tab.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Page, error)
}

// Page is the automation surface of one browser tab. Every method blocks
// until done or until ctx is cancelled.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// WaitPresent blocks until an element matching selector is in the DOM.
	WaitPresent(ctx context.Context, selector string) error
	// Present checks for the element once, without waiting.
	Present(ctx context.Context, selector string) (bool, error)
	// ReplaceText clears the editable element and inserts text.
	ReplaceText(ctx context.Context, selector, text string) error
	PressEnter(ctx context.Context, selector string) error
	Close() error
}

// LaunchOptions controls a single browser launch.
type LaunchOptions struct {
	Headless       bool
	StartupTimeout time.Duration
}

// Bridge launches Chrome through chromedp with a persistent profile, so a
// client that was logged in once stays logged in across restarts.
type Bridge struct {
	profileDir string
	execPath   string
	logger     *slog.Logger
}

// BridgeConfig holds configuration for the browser bridge.
type BridgeConfig struct {
	ProfileDir string // Chrome user data directory (persists cookies/sessions)
	ExecPath   string // optional Chrome binary; chromedp searches PATH when empty
	Logger     *slog.Logger
}

func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".salonreach", "chrome-profile")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		profileDir: cfg.ProfileDir,
		execPath:   cfg.ExecPath,
		logger:     cfg.Logger,
	}
}

// Launch starts a browser detached from ctx; ctx only bounds the startup.
// The returned Page owns the browser process until Close.
func (b *Bridge) Launch(ctx context.Context, opts LaunchOptions) (Page, error) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.UserAgent(userAgent),
	)
	if b.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(b.execPath))
	}
	if opts.Headless {
		allocOpts = append(allocOpts, chromedp.Headless)
	} else {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}

	// The browser must outlive the request that launched it.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	p := &chromePage{
		ctx: taskCtx,
		cancel: func() {
			taskCancel()
			allocCancel()
		},
	}

	timeout := opts.StartupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(taskCtx) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-started:
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-timer.C:
		p.Close()
		return nil, fmt.Errorf("start browser: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		p.Close()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}

	b.logger.Info("browser started", "headless", opts.Headless, "profile", b.profileDir)
	return p, nil
}

// chromePage implements Page on a chromedp tab context.
type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// run executes actions on the tab, cancelled by either the caller's ctx or
// the tab being closed.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		runCtx, dcancel = context.WithDeadline(runCtx, deadline)
		defer dcancel()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && p.ctx.Err() != nil {
		return ErrClosed
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitPresent(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.WaitReady(selector, chromedp.ByQuery))
}

func (p *chromePage) Present(ctx context.Context, selector string) (bool, error) {
	sel, _ := json.Marshal(selector)
	var exists bool
	err := p.run(ctx, chromedp.Evaluate(
		fmt.Sprintf(`document.querySelector(%s) !== null`, sel),
		&exists,
	))
	return exists, err
}

func (p *chromePage) ReplaceText(ctx context.Context, selector, text string) error {
	sel, _ := json.Marshal(selector)
	var ok bool
	return p.run(ctx,
		chromedp.Evaluate(fmt.Sprintf(`
			(function() {
				var el = document.querySelector(%s);
				if (!el) return false;
				el.focus();
				document.execCommand('selectAll', false, null);
				document.execCommand('delete', false, null);
				return true;
			})()
		`, sel), &ok),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if !ok {
				return fmt.Errorf("element %s not found", selector)
			}
			// InsertText keeps newlines from being sent as Enter.
			return input.InsertText(text).Do(ctx)
		}),
	)
}

func (p *chromePage) PressEnter(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

func (p *chromePage) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
	})
	return nil
}
