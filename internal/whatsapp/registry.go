package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/garage/internal/alert"
	"golang.org/x/sync/errgroup"
)

// persistTimeout bounds a single status write.
const persistTimeout = 10 * time.Second

// notifyTimeout bounds a single staff alert delivery.
const notifyTimeout = 30 * time.Second

// ErrRegistryClosed is returned by Start after Close.
var ErrRegistryClosed = errors.New("whatsapp: registry closed")

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Store             StatusStore
	Drivers           DriverFactory
	Orders            OrderLookup    // optional; required by RouteForOrder
	Notifier          alert.Notifier // optional; defaults to alert.Nop
	Normalizer        PhoneNormalizer
	HeartbeatInterval time.Duration // defaults to DefaultHeartbeatInterval
	RestartDelay      time.Duration // 0 disables restart-on-failure
	Logger            *slog.Logger
}

// Registry owns the operator → Session map. It is the only writer of the
// persisted session status and the only resolver of order routing.
type Registry struct {
	store        StatusStore
	drivers      DriverFactory
	orders       OrderLookup
	notifier     alert.Notifier
	normalizer   PhoneNormalizer
	interval     time.Duration
	restartDelay time.Duration
	log          *slog.Logger

	// ctx bounds background initialization; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	sessions  map[string]*Session
	locks     map[string]*operatorLock // present only while held or awaited
	restoring map[string]bool // operators started by Restore that have not connected yet
	closed    bool
	wg        sync.WaitGroup
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("whatsapp: registry: store is required")
	}
	if opts.Drivers == nil {
		return nil, fmt.Errorf("whatsapp: registry: driver factory is required")
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = alert.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:        opts.Store,
		drivers:      opts.Drivers,
		orders:       opts.Orders,
		notifier:     notifier,
		normalizer:   opts.Normalizer,
		interval:     interval,
		restartDelay: opts.RestartDelay,
		log:          logger,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*Session),
		locks:        make(map[string]*operatorLock),
		restoring:    make(map[string]bool),
	}, nil
}

// Start ensures operatorID has a session that is connected or connecting.
// A Connected session is returned unchanged. Any other existing session is
// destroyed before its replacement is installed, so two drivers for the same
// operator never coexist. The returned session initializes in the
// background; its progress is observed through its state.
func (r *Registry) Start(ctx context.Context, operatorID string) (*Session, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("whatsapp: start: operator id is required")
	}
	unlock := r.lockOperator(operatorID)
	defer unlock()

	if existing := r.Get(operatorID); existing != nil {
		if existing.Connected() {
			return existing, nil
		}
		existing.Destroy(ctx)
	}

	driver, err := r.drivers(operatorID)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: start %s: create driver: %w", operatorID, err)
	}

	var sess *Session
	sess, err = NewSession(SessionOpts{
		OperatorID:        operatorID,
		Driver:            driver,
		Normalizer:        r.normalizer,
		HeartbeatInterval: r.interval,
		OnEvent:           func(_ string, ev Event) { r.handleEvent(sess, ev) },
		OnHeartbeat:       func(_ string, at time.Time) { r.handleHeartbeat(sess, at) },
		Logger:            r.log,
	})
	if err != nil {
		return nil, fmt.Errorf("whatsapp: start %s: %w", operatorID, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if err := driver.Destroy(ctx); err != nil {
			r.log.Warn("whatsapp: driver teardown failed", "operator", operatorID, "error", err)
		}
		return nil, ErrRegistryClosed
	}
	r.sessions[operatorID] = sess
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if err := sess.Initialize(r.ctx); err != nil {
			r.log.Error("whatsapp: session initialization failed", "operator", operatorID, "error", err)
		}
	}()

	r.log.Info("whatsapp: session starting", "operator", operatorID)
	return sess, nil
}

// Stop destroys the operator's session, removes it and records it as
// disconnected. It returns ErrSessionNotFound when there is none.
func (r *Registry) Stop(ctx context.Context, operatorID string) error {
	unlock := r.lockOperator(operatorID)
	defer unlock()

	sess := r.Get(operatorID)
	if sess == nil {
		return fmt.Errorf("whatsapp: stop %s: %w", operatorID, ErrSessionNotFound)
	}
	sess.Destroy(ctx)

	r.mu.Lock()
	if r.sessions[operatorID] == sess {
		delete(r.sessions, operatorID)
	}
	delete(r.restoring, operatorID)
	r.mu.Unlock()

	r.persist("mark disconnected", operatorID, func(ctx context.Context) error {
		return r.store.MarkDisconnected(ctx, operatorID, time.Now())
	})
	r.log.Info("whatsapp: session stopped", "operator", operatorID)
	return nil
}

// Get returns the operator's installed session, or nil.
func (r *Registry) Get(operatorID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[operatorID]
}

// ListAll returns a snapshot of every tracked session ordered by operator id.
func (r *Registry) ListAll() []SessionInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].OperatorID < infos[j].OperatorID })
	return infos
}

// ResolveOrder returns the connected session that should speak for o. A
// missing or non-connected target yields (nil, false).
func (r *Registry) ResolveOrder(o Order) (*Session, bool) {
	target := RouteTarget(o)
	if target == "" {
		return nil, false
	}
	sess := r.Get(target)
	if sess == nil || !sess.Connected() {
		return nil, false
	}
	return sess, true
}

// RouteForOrder looks the order up and resolves its session. Only lookup
// failures are errors; "no usable session" is (nil, false, nil).
func (r *Registry) RouteForOrder(ctx context.Context, orderID string) (*Session, bool, error) {
	if r.orders == nil {
		return nil, false, fmt.Errorf("whatsapp: route order %s: no order lookup configured", orderID)
	}
	o, err := r.orders.LookupOrder(ctx, orderID)
	if err != nil {
		return nil, false, fmt.Errorf("whatsapp: route order %s: %w", orderID, err)
	}
	sess, ok := r.ResolveOrder(o)
	return sess, ok, nil
}

// Send delivers text through the operator's session.
func (r *Registry) Send(ctx context.Context, operatorID, destination, text string) (string, error) {
	sess := r.Get(operatorID)
	if sess == nil {
		return "", fmt.Errorf("whatsapp: send for %s: %w", operatorID, ErrNotConnected)
	}
	return sess.Send(ctx, destination, text)
}

// SendMedia delivers media through the operator's session.
func (r *Registry) SendMedia(ctx context.Context, operatorID, destination, caption, mediaURL string) (string, error) {
	sess := r.Get(operatorID)
	if sess == nil {
		return "", fmt.Errorf("whatsapp: send media for %s: %w", operatorID, ErrNotConnected)
	}
	return sess.SendMedia(ctx, destination, caption, mediaURL)
}

// SendForOrder routes the order to a session and sends text through it. It
// returns the operator that sent and the message id. An unroutable order
// fails with ErrNoRoute.
func (r *Registry) SendForOrder(ctx context.Context, orderID, destination, text string) (operatorID, messageID string, err error) {
	sess, ok, err := r.RouteForOrder(ctx, orderID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("whatsapp: order %s: %w", orderID, ErrNoRoute)
	}
	id, err := sess.Send(ctx, destination, text)
	if err != nil {
		return sess.OperatorID(), "", err
	}
	return sess.OperatorID(), id, nil
}

// Restore starts a session for every operator whose persisted status is
// connected. Failures are logged per operator and skipped. It returns the
// number of sessions started.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	ids, err := r.store.ListConnected(ctx)
	if err != nil {
		return 0, fmt.Errorf("whatsapp: restore: %w", err)
	}
	started := 0
	for _, id := range ids {
		r.mu.Lock()
		r.restoring[id] = true
		r.mu.Unlock()

		sess, err := r.Start(ctx, id)
		if err != nil || sess.Connected() {
			r.mu.Lock()
			delete(r.restoring, id)
			r.mu.Unlock()
		}
		if err != nil {
			r.log.Error("whatsapp: restore failed", "operator", id, "error", err)
			if errors.Is(err, ErrRegistryClosed) {
				break
			}
			continue
		}
		started++
	}
	r.log.Info("whatsapp: sessions restored", "started", started, "persisted", len(ids))
	return started, nil
}

// Close destroys every session in parallel and waits for background work.
// Persisted records are left as they are so Restore can resume them.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.Destroy(ctx)
			return nil
		})
	}
	_ = g.Wait()
	r.cancel()
	r.wg.Wait()
	r.log.Info("whatsapp: registry closed", "sessions", len(sessions))
}

// operatorLock serializes Start and Stop for one operator.
type operatorLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters; guarded by Registry.mu
}

// lockOperator takes the operator's lock and returns its release. The entry
// is dropped once nobody holds or waits for it.
func (r *Registry) lockOperator(operatorID string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[operatorID]
	if !ok {
		l = &operatorLock{}
		r.locks[operatorID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, operatorID)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) installed(sess *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sess.OperatorID()] == sess
}

// spawn runs fn in a tracked goroutine unless the registry is closed.
func (r *Registry) spawn(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// handleEvent mirrors session events into the status store. It runs on the
// session's event delivery path and must not call Destroy on sess directly.
func (r *Registry) handleEvent(sess *Session, ev Event) {
	if !r.installed(sess) {
		return
	}
	op := sess.OperatorID()

	switch e := ev.(type) {
	case PairingChallenge:
		r.mu.Lock()
		restored := r.restoring[op]
		delete(r.restoring, op)
		r.mu.Unlock()
		if restored {
			r.log.Warn("whatsapp: restored session needs re-pairing", "operator", op)
			r.notify(alert.Alert{
				Title:    "WhatsApp session needs re-pairing",
				Body:     fmt.Sprintf("Stored credentials for operator %s were not accepted. Scan a new pairing code to reconnect.", op),
				Severity: alert.SeverityWarning,
				Fields:   []alert.Field{{Name: "Operator", Value: op, Short: true}},
			})
		}

	case Connected:
		r.mu.Lock()
		delete(r.restoring, op)
		r.mu.Unlock()
		r.persist("mark connected", op, func(ctx context.Context) error {
			return r.store.MarkConnected(ctx, op, time.Now())
		})

	case Disconnected:
		r.mu.Lock()
		delete(r.restoring, op)
		r.mu.Unlock()
		r.persist("mark disconnected", op, func(ctx context.Context) error {
			return r.store.MarkDisconnected(ctx, op, time.Now())
		})
		// Release the driver; the session stays installed so its state
		// remains visible until the next Start or Stop.
		r.spawn(func() { sess.Destroy(r.ctx) })

		severity := alert.SeverityError
		if e.Retryable {
			severity = alert.SeverityWarning
		}
		r.notify(alert.Alert{
			Title:    "WhatsApp session disconnected",
			Body:     fmt.Sprintf("Operator %s is no longer connected.", op),
			Severity: severity,
			Fields: []alert.Field{
				{Name: "Operator", Value: op, Short: true},
				{Name: "Reason", Value: e.Reason, Short: true},
			},
		})
		if e.Retryable && r.restartDelay > 0 {
			r.scheduleRestart(sess)
		}
	}
}

// scheduleRestart starts a replacement after the restart delay, provided
// sess is still the operator's installed session by then.
func (r *Registry) scheduleRestart(sess *Session) {
	op := sess.OperatorID()
	r.log.Info("whatsapp: restart scheduled", "operator", op, "delay", r.restartDelay)
	time.AfterFunc(r.restartDelay, func() {
		r.spawn(func() {
			if !r.installed(sess) {
				return
			}
			if _, err := r.Start(r.ctx, op); err != nil {
				r.log.Error("whatsapp: restart failed", "operator", op, "error", err)
			}
		})
	})
}

func (r *Registry) handleHeartbeat(sess *Session, at time.Time) {
	if !r.installed(sess) {
		return
	}
	op := sess.OperatorID()
	r.persist("heartbeat", op, func(ctx context.Context) error {
		return r.store.Heartbeat(ctx, op, at)
	})
}

// persist runs a status write. Failures are logged and swallowed.
func (r *Registry) persist(op, operatorID string, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		r.log.Error("whatsapp: status write failed", "op", op, "operator", operatorID, "error", err)
	}
}

// notify delivers an alert in the background.
func (r *Registry) notify(a alert.Alert) {
	r.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := r.notifier.Notify(ctx, a); err != nil {
			r.log.Warn("whatsapp: alert delivery failed", "title", a.Title, "error", err)
		}
	})
}
