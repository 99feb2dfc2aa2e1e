// Package browser implements whatsapp.Driver on top of the messaging
// network's web client, driven through a stealth Chrome page with go-rod.
// Each operator gets a dedicated Chrome profile so a paired account is
// restored without a new pairing code.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/garage/internal/whatsapp"
)

const (
	// DefaultWebURL is the web client the driver automates.
	DefaultWebURL = "https://web.whatsapp.com"
	// DefaultPollInterval is how often the page is inspected for state changes.
	DefaultPollInterval = 2 * time.Second
	// maxPageFailures is the number of consecutive failed inspections after
	// which the page is considered lost.
	maxPageFailures = 3
	// maxMediaBytes caps a downloaded attachment.
	maxMediaBytes = 16 << 20
)

// identityScript reads the logged-in account id from the web client's
// local storage, e.g. "5215512345678:12@c.us".
const identityScript = `() => localStorage.getItem("last-wid-md") || localStorage.getItem("last-wid") || ""`

// Selectors locate the web client elements the driver relies on.
type Selectors struct {
	QRCode      string // element carrying the pairing payload in data-ref
	Ready       string // present once the chat list has loaded
	SendButton  string
	AttachInput string // file input for attachments
	Caption     string // caption box shown after attaching media
}

// DefaultSelectors match the current web client markup.
var DefaultSelectors = Selectors{
	QRCode:      "div[data-ref]",
	Ready:       "#pane-side",
	SendButton:  `span[data-icon="send"]`,
	AttachInput: `input[type="file"]`,
	Caption:     `div[contenteditable="true"][data-tab="10"]`,
}

// Options configures a Driver.
type Options struct {
	OperatorID string
	// ProfileDir is the Chrome user data dir holding the operator's
	// credentials. Required unless RemoteURL is set.
	ProfileDir string
	WebURL     string
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome.
	RemoteURL    string
	Headless     bool
	PollInterval time.Duration
	Selectors    Selectors
	HTTPClient   *http.Client // used by LoadMedia
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.WebURL == "" {
		o.WebURL = DefaultWebURL
	}
	o.WebURL = strings.TrimRight(o.WebURL, "/")
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Selectors == (Selectors{}) {
		o.Selectors = DefaultSelectors
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("operator", o.OperatorID)
}

// Driver implements whatsapp.Driver for one operator.
type Driver struct {
	opts Options
	open opener

	mu        sync.Mutex
	pg        page
	cleanup   func()
	cancel    context.CancelFunc
	done      chan struct{}
	launching chan struct{} // closed once Initialize has installed or released the browser
	started   bool
	destroyed bool

	// sendMu serializes navigation for sends on the single page.
	sendMu sync.Mutex
}

var _ whatsapp.Driver = (*Driver)(nil)

// New creates a Driver. The browser is not started until Initialize.
func New(opts Options) (*Driver, error) {
	if opts.OperatorID == "" {
		return nil, fmt.Errorf("browser: operator id is required")
	}
	if opts.ProfileDir == "" && opts.RemoteURL == "" {
		return nil, fmt.Errorf("browser: profile dir is required")
	}
	opts.defaults()
	return &Driver{opts: opts, open: openRod}, nil
}

// Initialize opens the web client and starts watching it. Events are
// delivered to h from a single goroutine until ctx is cancelled or Destroy.
func (d *Driver) Initialize(ctx context.Context, h whatsapp.DriverHandler) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return fmt.Errorf("browser: driver destroyed")
	}
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("browser: already initialized")
	}
	d.started = true
	launched := make(chan struct{})
	d.launching = launched
	d.mu.Unlock()
	defer close(launched)

	pg, cleanup, err := d.open(ctx, d.opts)
	if err != nil {
		return err
	}
	if err := pg.Navigate(ctx, d.opts.WebURL); err != nil {
		pg.Close()
		cleanup()
		return fmt.Errorf("browser: navigate %s: %w", d.opts.WebURL, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		// Destroyed while the browser was starting.
		pg.Close()
		cleanup()
		return fmt.Errorf("browser: driver destroyed")
	}
	pollCtx, cancel := context.WithCancel(ctx)
	d.pg, d.cleanup, d.cancel = pg, cleanup, cancel
	d.done = make(chan struct{})
	go d.watch(pollCtx, pg, h, d.done)
	return nil
}

// watch inspects the page every PollInterval and translates what it sees
// into driver events.
func (d *Driver) watch(ctx context.Context, pg page, h whatsapp.DriverHandler, done chan struct{}) {
	defer close(done)
	log := d.opts.Logger
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	w := watcher{pg: pg, sel: d.opts.Selectors}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ev, stop := w.inspect(ctx)
		if ctx.Err() != nil {
			return
		}
		if ev != nil {
			log.Debug("browser: page event", "kind", ev.Kind)
			h(*ev)
		}
		if stop {
			return
		}
	}
}

// watcher holds the state the poll loop needs between inspections.
type watcher struct {
	pg       page
	sel      Selectors
	lastQR   string
	ready    bool
	failures int
}

// inspect returns the event for the current page state, if any, and
// whether watching should stop.
func (w *watcher) inspect(ctx context.Context) (*whatsapp.DriverEvent, bool) {
	ready, err := w.pg.Has(ctx, w.sel.Ready)
	if err != nil {
		return w.fail(err)
	}
	if ready {
		w.failures = 0
		if w.ready {
			return nil, false
		}
		raw, err := w.pg.Eval(ctx, identityScript)
		if err != nil {
			return w.fail(err)
		}
		w.ready = true
		w.lastQR = ""
		return &whatsapp.DriverEvent{Kind: whatsapp.DriverReady, Identity: parseIdentity(raw)}, false
	}

	code, ok, err := w.pg.Attribute(ctx, w.sel.QRCode, "data-ref")
	if err != nil {
		return w.fail(err)
	}
	w.failures = 0
	if !ok || code == "" {
		return nil, false
	}
	if w.ready {
		// A pairing code on a paired page means the phone unlinked us.
		return &whatsapp.DriverEvent{Kind: whatsapp.DriverDisconnected, Reason: whatsapp.ReasonLogout}, true
	}
	if code == w.lastQR {
		return nil, false
	}
	w.lastQR = code
	return &whatsapp.DriverEvent{Kind: whatsapp.DriverQR, Code: code}, false
}

func (w *watcher) fail(err error) (*whatsapp.DriverEvent, bool) {
	w.failures++
	if w.failures < maxPageFailures {
		return nil, false
	}
	return &whatsapp.DriverEvent{
		Kind:   whatsapp.DriverDisconnected,
		Reason: "page lost: " + err.Error(),
	}, true
}

// parseIdentity turns `"5215512345678:12@c.us"` into "5215512345678".
func parseIdentity(raw string) string {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if i := strings.IndexAny(s, ":@"); i >= 0 {
		s = s[:i]
	}
	return s
}

// Send opens the chat through the web client's send URL with the text
// prefilled and presses send. The returned id is generated locally; the web
// client does not expose the network's id.
func (d *Driver) Send(ctx context.Context, chatID, text string) (string, error) {
	pg, err := d.page()
	if err != nil {
		return "", err
	}
	phone, err := chatPhone(chatID)
	if err != nil {
		return "", err
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if err := pg.Navigate(ctx, d.sendURL(phone, text)); err != nil {
		return "", fmt.Errorf("browser: open chat %s: %w", chatID, err)
	}
	if err := pg.Click(ctx, d.opts.Selectors.SendButton); err != nil {
		return "", fmt.Errorf("browser: send to %s: %w", chatID, err)
	}
	return uuid.NewString(), nil
}

// LoadMedia downloads url into a temporary file.
func (d *Driver) LoadMedia(ctx context.Context, rawURL string) (*whatsapp.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: media request: %w", err)
	}
	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("browser: fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("browser: fetch media %s: status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("browser: read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("browser: media %s exceeds %d bytes", rawURL, maxMediaBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	} else {
		mimeType = http.DetectContentType(data)
	}
	filename := mediaFilename(rawURL, mimeType)

	f, err := os.CreateTemp("", "garage-media-*-"+filename)
	if err != nil {
		return nil, fmt.Errorf("browser: temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("browser: write media: %w", err)
	}
	return &whatsapp.Media{MimeType: mimeType, Filename: filename, Data: data, Path: f.Name()}, nil
}

// SendMedia attaches media to the chat, types the caption and sends. The
// temporary file created by LoadMedia is removed afterwards.
func (d *Driver) SendMedia(ctx context.Context, chatID, caption string, media *whatsapp.Media) (string, error) {
	if media == nil || media.Path == "" {
		return "", fmt.Errorf("browser: media has no local file")
	}
	defer os.Remove(media.Path)

	pg, err := d.page()
	if err != nil {
		return "", err
	}
	phone, err := chatPhone(chatID)
	if err != nil {
		return "", err
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	sel := d.opts.Selectors
	if err := pg.Navigate(ctx, d.sendURL(phone, "")); err != nil {
		return "", fmt.Errorf("browser: open chat %s: %w", chatID, err)
	}
	if err := pg.SetFiles(ctx, sel.AttachInput, []string{media.Path}); err != nil {
		return "", fmt.Errorf("browser: attach %s: %w", media.Filename, err)
	}
	if caption != "" {
		if err := pg.Input(ctx, sel.Caption, caption); err != nil {
			return "", fmt.Errorf("browser: caption: %w", err)
		}
	}
	if err := pg.Click(ctx, sel.SendButton); err != nil {
		return "", fmt.Errorf("browser: send media to %s: %w", chatID, err)
	}
	return uuid.NewString(), nil
}

// Destroy stops watching, closes the page and shuts the browser down. A
// launch still in progress is waited for, bounded by ctx, so the profile is
// free once Destroy returns. It is idempotent.
func (d *Driver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}
	d.destroyed = true
	launching := d.launching
	d.mu.Unlock()

	// Initialize releases the browser itself when it sees destroyed.
	if launching != nil {
		select {
		case <-launching:
		case <-ctx.Done():
			return fmt.Errorf("browser: launch still in progress: %w", ctx.Err())
		}
	}

	d.mu.Lock()
	pg, cleanup, cancel, done := d.pg, d.cleanup, d.cancel, d.done
	d.pg, d.cleanup, d.cancel = nil, nil, nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			d.opts.Logger.Warn("browser: watcher did not stop before teardown", "error", ctx.Err())
		}
	}
	var err error
	if pg != nil {
		if cerr := pg.Close(); cerr != nil {
			err = fmt.Errorf("browser: close page: %w", cerr)
		}
	}
	if cleanup != nil {
		cleanup()
	}
	return err
}

func (d *Driver) page() (page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return nil, fmt.Errorf("browser: driver destroyed")
	}
	if d.pg == nil {
		return nil, fmt.Errorf("browser: not initialized")
	}
	return d.pg, nil
}

func (d *Driver) sendURL(phone, text string) string {
	q := url.Values{}
	q.Set("phone", phone)
	if text != "" {
		q.Set("text", text)
	}
	return d.opts.WebURL + "/send?" + q.Encode()
}

// chatPhone extracts the phone number from a person chat id.
func chatPhone(chatID string) (string, error) {
	phone, ok := strings.CutSuffix(chatID, "@c.us")
	if !ok || phone == "" {
		return "", fmt.Errorf("browser: unsupported chat id %q", chatID)
	}
	return phone, nil
}

// mediaFilename derives a file name from the URL path, adding an extension
// for mimeType when the path has none.
func mediaFilename(rawURL, mimeType string) string {
	name := "media"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}
	name = filepath.Base(strings.ReplaceAll(name, "*", "_"))
	if filepath.Ext(name) == "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}

// Factory builds drivers that keep each operator's profile under root.
type Factory struct {
	Root string  // parent directory of per-operator profiles
	Base Options // shared settings; OperatorID and ProfileDir are set per operator
}

// New implements whatsapp.DriverFactory.
func (f Factory) New(operatorID string) (whatsapp.Driver, error) {
	opts := f.Base
	opts.OperatorID = operatorID
	if opts.RemoteURL == "" {
		opts.ProfileDir = filepath.Join(f.Root, "session-"+profileName(operatorID))
	}
	return New(opts)
}

// profileName maps an operator id to a safe directory name.
func profileName(operatorID string) string {
	var b strings.Builder
	for _, r := range operatorID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
