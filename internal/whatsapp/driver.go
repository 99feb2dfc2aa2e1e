// Package whatsapp orchestrates per-operator WhatsApp sessions: connection
// lifecycle, pairing, heartbeats, status persistence and message routing.
package whatsapp

import "context"

// DriverEventKind enumerates the notifications a Driver can raise.
type DriverEventKind int

const (
	DriverQR DriverEventKind = iota
	DriverReady
	DriverDisconnected
	DriverAuthFailure
)

func (k DriverEventKind) String() string {
	switch k {
	case DriverQR:
		return "qr"
	case DriverReady:
		return "ready"
	case DriverDisconnected:
		return "disconnected"
	case DriverAuthFailure:
		return "auth_failure"
	}
	return "unknown"
}

// DriverEvent is raised by a Driver. Code is set for DriverQR, Identity for
// DriverReady and Reason for DriverDisconnected/DriverAuthFailure.
type DriverEvent struct {
	Kind     DriverEventKind
	Code     string
	Identity string
	Reason   string
}

// DriverHandler receives driver events. Drivers may call it from any
// goroutine but must not call it concurrently.
type DriverHandler func(DriverEvent)

// Media is a network-native attachment produced by Driver.LoadMedia.
type Media struct {
	MimeType string
	Filename string
	Data     []byte
	Path     string // local copy, when the driver works from files
}

// Driver speaks the messaging network for one operator account. It is
// opaque to this package: it either restores the account from persisted
// credentials or raises pairing codes, then sends messages.
type Driver interface {
	// Initialize starts the connect/restore handshake and delivers events
	// to h until Destroy. It may block until the handshake settles or ctx
	// is cancelled.
	Initialize(ctx context.Context, h DriverHandler) error

	// Send delivers a text message to a canonical chat id and returns the
	// network's message identifier.
	Send(ctx context.Context, chatID, text string) (string, error)

	// LoadMedia resolves a URL into an attachment.
	LoadMedia(ctx context.Context, url string) (*Media, error)

	// SendMedia delivers an attachment with a caption.
	SendMedia(ctx context.Context, chatID, caption string, media *Media) (string, error)

	// Destroy releases every resource held by the driver.
	Destroy(ctx context.Context) error
}

// DriverFactory builds a Driver bound to one operator's credentials.
type DriverFactory func(operatorID string) (Driver, error)
