package browser

import (
	"context"
	"fmt"
	"os"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// page abstracts the rod page operations the driver uses, enabling test mocks.
type page interface {
	Navigate(ctx context.Context, url string) error
	Has(ctx context.Context, selector string) (bool, error)
	// Attribute returns the attribute of the first element matching
	// selector; ok is false when there is no such element or attribute.
	Attribute(ctx context.Context, selector, name string) (value string, ok bool, err error)
	Eval(ctx context.Context, js string) (string, error)
	Click(ctx context.Context, selector string) error
	Input(ctx context.Context, selector, text string) error
	SetFiles(ctx context.Context, selector string, paths []string) error
	Close() error
}

// opener launches (or attaches to) a browser and opens the page the driver
// works on. cleanup releases the browser and launcher.
type opener func(ctx context.Context, o Options) (pg page, cleanup func(), err error)

// realPage wraps *rod.Page to implement page.
type realPage struct {
	p *rod.Page
}

func (r *realPage) Navigate(ctx context.Context, url string) error {
	p := r.p.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (r *realPage) Has(ctx context.Context, selector string) (bool, error) {
	has, _, err := r.p.Context(ctx).Has(selector)
	return has, err
}

func (r *realPage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	has, el, err := r.p.Context(ctx).Has(selector)
	if err != nil || !has {
		return "", false, err
	}
	v, err := el.Attribute(name)
	if err != nil || v == nil {
		return "", false, err
	}
	return *v, true, nil
}

func (r *realPage) Eval(ctx context.Context, js string) (string, error) {
	res, err := r.p.Context(ctx).Eval(js)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (r *realPage) Click(ctx context.Context, selector string) error {
	el, err := r.p.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (r *realPage) Input(ctx context.Context, selector, text string) error {
	el, err := r.p.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (r *realPage) SetFiles(ctx context.Context, selector string, paths []string) error {
	el, err := r.p.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.SetFiles(paths)
}

func (r *realPage) Close() error { return r.p.Close() }

// openRod launches a local Chrome on the operator's profile directory, or
// attaches to RemoteURL, and opens a stealth page.
func openRod(ctx context.Context, o Options) (page, func(), error) {
	log := o.Logger

	var wsURL string
	var l *launcher.Launcher
	if o.RemoteURL != "" {
		wsURL = o.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		if err := os.MkdirAll(o.ProfileDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("browser: profile dir: %w", err)
		}
		l = launcher.New().
			Headless(o.Headless).
			UserDataDir(o.ProfileDir).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		log.Info("browser: launched local chrome", "profile", o.ProfileDir)
	}

	// Kill rather than Cleanup: Cleanup removes the user data dir, which
	// holds the operator's credentials.
	kill := func() {
		if l != nil {
			l.Kill()
		}
	}
	b := rod.New().ControlURL(wsURL)
	cleanup := func() {
		b.Close()
		kill()
	}
	if err := b.Connect(); err != nil {
		kill()
		return nil, nil, fmt.Errorf("browser: connect: %w", err)
	}

	p, err := stealth.Page(b)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("browser: create tab: %w", err)
	}
	return &realPage{p: p}, cleanup, nil
}
