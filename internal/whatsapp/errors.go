package whatsapp

import "errors"

var (
	// ErrNotConnected is returned when an operation needs a live session and
	// the operator has none, or it is not in the connected state.
	ErrNotConnected = errors.New("whatsapp: session not connected")

	// ErrSendFailed wraps driver failures after the driver accepted a send.
	ErrSendFailed = errors.New("whatsapp: send failed")

	// ErrInitializationFailed means the driver could not start the handshake.
	ErrInitializationFailed = errors.New("whatsapp: initialization failed")

	// ErrSessionNotFound is returned by Stop when the operator has no session.
	ErrSessionNotFound = errors.New("whatsapp: session not found")

	// ErrNoRoute means no connected session could be resolved for an order.
	// It matches ErrNotConnected under errors.Is.
	ErrNoRoute = noRouteError{}
)

type noRouteError struct{}

func (noRouteError) Error() string        { return "whatsapp: no connected session for order" }
func (noRouteError) Is(target error) bool { return target == ErrNotConnected }
