package whatsapp

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"
)

// SentMessage is a message recorded by MockDriver.
type SentMessage struct {
	ChatID  string
	Text    string // caption for media
	Media   *Media
	ID      string
	SentAt  time.Time
	IsMedia bool
}

// MockDriver implements Driver for testing. Events are pushed with Emit, or
// queued with Script to be delivered during Initialize.
type MockDriver struct {
	mu           sync.Mutex
	emitMu       sync.Mutex
	handler      DriverHandler
	script       []DriverEvent
	block        bool
	initErr      error
	sendErr      error
	loadErr      error
	destroyErr   error
	initCount    int
	destroyCount int
	destroyed    bool
	sent         []SentMessage
	seq          int
	onInit       func()
	onDestroy    func()
	initialized  chan struct{}
	done         chan struct{}
}

// NewMockDriver creates a MockDriver.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		initialized: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Initialize records h, delivers scripted events and returns. In blocking
// mode it then waits for Destroy or ctx like a handshake awaiting a human.
func (m *MockDriver) Initialize(ctx context.Context, h DriverHandler) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return fmt.Errorf("mock driver: destroyed")
	}
	m.initCount++
	m.handler = h
	script := m.script
	m.script = nil
	block, initErr, onInit := m.block, m.initErr, m.onInit
	first := m.initCount == 1
	m.mu.Unlock()

	if onInit != nil {
		onInit()
	}
	if first {
		close(m.initialized)
	}
	if initErr != nil {
		return initErr
	}
	for _, ev := range script {
		m.Emit(ev)
	}
	if !block {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return fmt.Errorf("mock driver: destroyed during handshake")
	}
}

// Send records a text message.
func (m *MockDriver) Send(ctx context.Context, chatID, text string) (string, error) {
	return m.record(chatID, text, nil, false)
}

// LoadMedia returns a Media named after the URL's last path element.
func (m *MockDriver) LoadMedia(ctx context.Context, url string) (*Media, error) {
	m.mu.Lock()
	err := m.loadErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &Media{MimeType: "image/jpeg", Filename: path.Base(url), Data: []byte("media")}, nil
}

// SendMedia records a media message.
func (m *MockDriver) SendMedia(ctx context.Context, chatID, caption string, media *Media) (string, error) {
	return m.record(chatID, caption, media, true)
}

func (m *MockDriver) record(chatID, text string, media *Media, isMedia bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return "", fmt.Errorf("mock driver: destroyed")
	}
	if m.sendErr != nil {
		return "", m.sendErr
	}
	m.seq++
	id := fmt.Sprintf("msg-%d", m.seq)
	m.sent = append(m.sent, SentMessage{
		ChatID:  chatID,
		Text:    text,
		Media:   media,
		ID:      id,
		SentAt:  time.Now(),
		IsMedia: isMedia,
	})
	return id, nil
}

// Destroy marks the driver destroyed. Safe to call repeatedly; every call is
// counted.
func (m *MockDriver) Destroy(ctx context.Context) error {
	m.mu.Lock()
	m.destroyCount++
	if !m.destroyed {
		m.destroyed = true
		close(m.done)
	}
	onDestroy, err := m.onDestroy, m.destroyErr
	m.mu.Unlock()
	if onDestroy != nil {
		onDestroy()
	}
	return err
}

// --- Test helpers ---

// Script queues events delivered synchronously inside Initialize.
func (m *MockDriver) Script(events ...DriverEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, events...)
}

// SetBlocking makes Initialize wait for Destroy or cancellation.
func (m *MockDriver) SetBlocking(block bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
}

// SetInitError makes Initialize fail with err.
func (m *MockDriver) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// SetSendError makes Send and SendMedia fail with err.
func (m *MockDriver) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetLoadError makes LoadMedia fail with err.
func (m *MockDriver) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// SetDestroyError makes Destroy return err.
func (m *MockDriver) SetDestroyError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyErr = err
}

// OnInitialize registers fn to run at the start of Initialize.
func (m *MockDriver) OnInitialize(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onInit = fn
}

// OnDestroy registers fn to run on every Destroy.
func (m *MockDriver) OnDestroy(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDestroy = fn
}

// Emit delivers ev to the registered handler. It is a no-op before
// Initialize. Calls are serialized.
func (m *MockDriver) Emit(ev DriverEvent) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		return
	}
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	h(ev)
}

// WaitInitialized reports whether Initialize was entered within timeout.
func (m *MockDriver) WaitInitialized(timeout time.Duration) bool {
	select {
	case <-m.initialized:
		return true
	case <-time.After(timeout):
		return false
	}
}

// WaitDestroyed reports whether Destroy was called within timeout.
func (m *MockDriver) WaitDestroyed(timeout time.Duration) bool {
	select {
	case <-m.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Destroyed reports whether Destroy has been called.
func (m *MockDriver) Destroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// DestroyCount returns how many times Destroy was called.
func (m *MockDriver) DestroyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyCount
}

// InitCount returns how many times Initialize was called.
func (m *MockDriver) InitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCount
}

// Sent returns a copy of every recorded message.
func (m *MockDriver) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
