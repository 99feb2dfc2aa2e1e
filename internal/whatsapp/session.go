package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHeartbeatInterval is how often a connected session refreshes its
// persisted heartbeat.
const DefaultHeartbeatInterval = 60 * time.Second

// Disconnect reasons produced by the Session itself.
const (
	ReasonAuthFailure = "auth_failure"
	ReasonLogout      = "logout"
	ReasonDisconnect  = "disconnected"
	ReasonInitFailed  = "initialization failed"
)

// unknownIdentity is recorded when a driver reports ready without an
// account id, so that a connected session always has an identity.
const unknownIdentity = "unknown"

// SessionOpts holds parameters for creating a Session.
type SessionOpts struct {
	OperatorID        string
	Driver            Driver
	Normalizer        PhoneNormalizer
	HeartbeatInterval time.Duration // defaults to DefaultHeartbeatInterval
	OnEvent           EventHandler
	OnHeartbeat       func(operatorID string, at time.Time)
	Logger            *slog.Logger
}

// Session wraps one operator's Driver. It owns the connection state, the
// pending pairing code, the account identity and the heartbeat timer. It
// never touches persistence; state changes leave through OnEvent and
// heartbeats through OnHeartbeat.
type Session struct {
	operatorID  string
	driver      Driver
	normalizer  PhoneNormalizer
	interval    time.Duration
	onEvent     EventHandler
	onHeartbeat func(string, time.Time)
	log         *slog.Logger

	mu              sync.Mutex
	state           ConnectionState
	pairingCode     string
	identity        string
	lastHeartbeatAt time.Time
	destroyed       bool
	heartbeat       *cron.Cron
	cancelInit      context.CancelFunc
	initDone        chan struct{} // closed when driver.Initialize returns

	// emitMu serializes event delivery; Destroy takes it to wait out an
	// in-flight delivery.
	emitMu      sync.Mutex
	destroyOnce sync.Once
}

// NewSession creates a Session in the Initializing state. Call Initialize to
// start the driver handshake.
func NewSession(opts SessionOpts) (*Session, error) {
	if opts.OperatorID == "" {
		return nil, fmt.Errorf("whatsapp: session: operator id is required")
	}
	if opts.Driver == nil {
		return nil, fmt.Errorf("whatsapp: session: driver is required")
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	normalizer := opts.Normalizer
	if normalizer.CountryCode == "" {
		normalizer = DefaultNormalizer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		operatorID:  opts.OperatorID,
		driver:      opts.Driver,
		normalizer:  normalizer,
		interval:    interval,
		onEvent:     opts.OnEvent,
		onHeartbeat: opts.OnHeartbeat,
		log:         logger.With("operator", opts.OperatorID),
		state:       StateInitializing,
	}, nil
}

// OperatorID returns the operator that owns this session.
func (s *Session) OperatorID() string { return s.operatorID }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session can send messages.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// PairingCode returns the pending pairing code, if any.
func (s *Session) PairingCode() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pairingCode, s.pairingCode != ""
}

// Identity returns the connected account id, if any.
func (s *Session) Identity() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.identity != ""
}

// Info returns a snapshot of the session without the raw pairing code.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		OperatorID:     s.operatorID,
		State:          s.state.String(),
		Connected:      s.state == StateConnected,
		PairingPending: s.pairingCode != "",
		Identity:       s.identity,
	}
	if !s.lastHeartbeatAt.IsZero() {
		t := s.lastHeartbeatAt
		info.LastHeartbeatAt = &t
	}
	return info
}

// Initialize runs the driver handshake with operator-scoped credentials. It
// may block for as long as the handshake takes. A driver error leaves the
// session Disconnected, emits Disconnected and returns an error wrapping
// ErrInitializationFailed; callers running it in the background only log it.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session for %s already destroyed", ErrInitializationFailed, s.operatorID)
	}
	initCtx, cancel := context.WithCancel(ctx)
	s.cancelInit = cancel
	done := make(chan struct{})
	s.initDone = done
	s.mu.Unlock()
	defer close(done)

	s.log.Debug("whatsapp: initializing driver")
	err := s.driver.Initialize(initCtx, s.handleDriverEvent)
	if err == nil {
		return nil
	}
	if s.isDestroyed() {
		// Torn down mid-handshake; the error is the cancellation.
		return nil
	}

	s.log.Error("whatsapp: driver initialization failed", "error", err)
	s.handleDriverEvent(DriverEvent{
		Kind:   DriverDisconnected,
		Reason: ReasonInitFailed + ": " + err.Error(),
	})
	return fmt.Errorf("%w: %s: %w", ErrInitializationFailed, s.operatorID, err)
}

// Send delivers text to destination, which is normalized to a canonical
// chat id first.
func (s *Session) Send(ctx context.Context, destination, text string) (string, error) {
	if !s.Connected() {
		return "", fmt.Errorf("whatsapp: send for %s: %w", s.operatorID, ErrNotConnected)
	}
	chatID := s.normalizer.ChatID(destination)
	id, err := s.driver.Send(ctx, chatID, text)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSendFailed, chatID, err)
	}
	return id, nil
}

// SendMedia resolves mediaURL through the driver and sends it with caption.
func (s *Session) SendMedia(ctx context.Context, destination, caption, mediaURL string) (string, error) {
	if !s.Connected() {
		return "", fmt.Errorf("whatsapp: send media for %s: %w", s.operatorID, ErrNotConnected)
	}
	chatID := s.normalizer.ChatID(destination)
	media, err := s.driver.LoadMedia(ctx, mediaURL)
	if err != nil {
		return "", fmt.Errorf("%w: load media %s: %w", ErrSendFailed, mediaURL, err)
	}
	id, err := s.driver.SendMedia(ctx, chatID, caption, media)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrSendFailed, chatID, err)
	}
	return id, nil
}

// Destroy stops the heartbeat, suppresses further events, cancels any
// in-flight Initialize, releases the driver and waits, bounded by ctx, for
// that Initialize to return. It is idempotent; concurrent callers return
// once the first teardown has finished. Driver teardown errors are logged
// only.
//
// Destroy must not be called from inside the session's own OnEvent handler.
func (s *Session) Destroy(ctx context.Context) {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		hb := s.heartbeat
		s.heartbeat = nil
		cancel, initDone := s.cancelInit, s.initDone
		s.mu.Unlock()

		stopHeartbeat(hb)

		// Wait for an event delivery that passed the destroyed check.
		s.emitMu.Lock()
		s.mu.Lock()
		s.state = StateDisconnected
		s.pairingCode = ""
		s.identity = ""
		s.mu.Unlock()
		s.emitMu.Unlock()

		if cancel != nil {
			cancel()
		}
		if err := s.driver.Destroy(ctx); err != nil {
			s.log.Warn("whatsapp: driver teardown failed", "error", err)
		}
		if initDone != nil {
			select {
			case <-initDone:
			case <-ctx.Done():
				s.log.Warn("whatsapp: driver handshake still running after teardown", "error", ctx.Err())
			}
		}
		s.log.Debug("whatsapp: session destroyed")
	})
}

func (s *Session) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// handleDriverEvent applies a driver event to the state machine and
// forwards the resulting session event.
func (s *Session) handleDriverEvent(ev DriverEvent) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	out, stopped := s.transitionLocked(ev)
	s.mu.Unlock()

	stopHeartbeat(stopped)

	if out != nil && s.onEvent != nil {
		s.onEvent(s.operatorID, out)
	}
}

// transitionLocked returns the event to emit (nil when ignored) and a
// heartbeat that must be stopped outside the lock.
func (s *Session) transitionLocked(ev DriverEvent) (Event, *cron.Cron) {
	switch ev.Kind {
	case DriverQR:
		if s.state != StateInitializing && s.state != StateAwaitingPairing {
			s.log.Debug("whatsapp: pairing code ignored", "state", s.state)
			return nil, nil
		}
		s.state = StateAwaitingPairing
		s.pairingCode = ev.Code
		s.identity = ""
		s.log.Info("whatsapp: pairing challenge issued")
		return PairingChallenge{Code: ev.Code}, nil

	case DriverReady:
		if s.state != StateInitializing && s.state != StateAwaitingPairing {
			s.log.Debug("whatsapp: ready ignored", "state", s.state)
			return nil, nil
		}
		identity := ev.Identity
		if identity == "" {
			identity = unknownIdentity
		}
		s.state = StateConnected
		s.pairingCode = ""
		s.identity = identity
		s.lastHeartbeatAt = time.Now()
		s.startHeartbeatLocked()
		s.log.Info("whatsapp: session connected", "identity", identity)
		return Connected{Identity: identity}, nil

	case DriverDisconnected, DriverAuthFailure:
		if s.state == StateDisconnected {
			return nil, nil
		}
		reason := ev.Reason
		if ev.Kind == DriverAuthFailure {
			reason = ReasonAuthFailure
			if ev.Reason != "" {
				reason += ": " + ev.Reason
			}
		} else if reason == "" {
			reason = ReasonDisconnect
		}
		wasConnected := s.state == StateConnected
		s.state = StateDisconnected
		s.pairingCode = ""
		s.identity = ""
		hb := s.heartbeat
		s.heartbeat = nil
		s.log.Warn("whatsapp: session disconnected", "reason", reason)
		return Disconnected{
			Reason:    reason,
			Retryable: wasConnected && ev.Kind == DriverDisconnected && ev.Reason != ReasonLogout,
		}, hb
	}
	return nil, nil
}
