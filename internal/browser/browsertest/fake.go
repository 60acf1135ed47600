// Package browsertest provides in-memory browser.Page and browser.Launcher
// fakes for tests that must not start Chrome.
package browsertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"salonreach/internal/browser"
)

// Page is a scriptable browser.Page. Selectors in Elements are "in the DOM";
// WaitPresent on any other selector fails immediately with
// context.DeadlineExceeded, as a real wait would after its timeout.
type Page struct {
	mu sync.Mutex

	Elements map[string]bool

	// NavigateErrs is consumed one entry per Navigate call; nil entries succeed.
	NavigateErrs []error
	// WaitErrs overrides WaitPresent for a selector.
	WaitErrs   map[string]error
	PresentErr error
	TypeErr    error
	EnterErr   error

	// OnEnter runs after a successful PressEnter, e.g. to show a sent tick.
	OnEnter func(p *Page)
	// Block makes every call wait for ctx cancellation before returning.
	Block bool
	// Delay makes every call take at least this long unless ctx ends first.
	Delay time.Duration

	Navigations []string
	Typed       []string
	Enters      int
	Closes      int
}

func NewPage(present ...string) *Page {
	p := &Page{Elements: make(map[string]bool), WaitErrs: make(map[string]error)}
	for _, s := range present {
		p.Elements[s] = true
	}
	return p
}

var _ browser.Page = (*Page)(nil)

func (p *Page) block(ctx context.Context) error {
	p.mu.Lock()
	b, d := p.Block, p.Delay
	p.mu.Unlock()
	if d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if !b {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.block(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closes > 0 {
		return browser.ErrClosed
	}
	p.Navigations = append(p.Navigations, url)
	if len(p.NavigateErrs) > 0 {
		err := p.NavigateErrs[0]
		p.NavigateErrs = p.NavigateErrs[1:]
		return err
	}
	return nil
}

func (p *Page) WaitPresent(ctx context.Context, selector string) error {
	if err := p.block(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.WaitErrs[selector]; ok && err != nil {
		return err
	}
	if p.Elements[selector] {
		return nil
	}
	return context.DeadlineExceeded
}

func (p *Page) Present(ctx context.Context, selector string) (bool, error) {
	if err := p.block(ctx); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PresentErr != nil {
		return false, p.PresentErr
	}
	return p.Elements[selector], nil
}

func (p *Page) ReplaceText(ctx context.Context, selector, text string) error {
	if err := p.block(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.TypeErr != nil {
		return p.TypeErr
	}
	if !p.Elements[selector] {
		return errors.New("element " + selector + " not found")
	}
	p.Typed = append(p.Typed, text)
	return nil
}

func (p *Page) PressEnter(ctx context.Context, selector string) error {
	if err := p.block(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	if p.EnterErr != nil {
		err := p.EnterErr
		p.mu.Unlock()
		return err
	}
	p.Enters++
	hook := p.OnEnter
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closes++
	return nil
}

// Set adds or removes an element.
func (p *Page) Set(selector string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Elements[selector] = present
}

// CloseCount returns how many times Close was called.
func (p *Page) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closes
}

// Launcher hands out pages built by NewPage, recording each launch.
type Launcher struct {
	mu sync.Mutex

	NewPage func() *Page
	Err     error

	Pages   []*Page
	Options []browser.LaunchOptions
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Options = append(l.Options, opts)
	if l.Err != nil {
		return nil, l.Err
	}
	var p *Page
	if l.NewPage != nil {
		p = l.NewPage()
	} else {
		p = NewPage()
	}
	l.Pages = append(l.Pages, p)
	return p, nil
}

// Launches returns the number of Launch calls.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Options)
}

// Last returns the most recently launched page.
func (l *Launcher) Last() *Page {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Pages) == 0 {
		return nil
	}
	return l.Pages[len(l.Pages)-1]
}
