package transport

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrAddrInUse is returned when a peer address is already owned by a
	// live Conn.
	ErrAddrInUse = errors.New("peer address in use")

	// ErrNotConnected is returned by a Conn whose peer has ended the
	// connection, as opposed to net.ErrClosed for a local Close.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownTransport is returned by Bind and ParseType for an
	// unsupported transport name.
	ErrUnknownTransport = errors.New("unknown transport")

	// ErrDatagramTooLarge is returned when a write exceeds the configured
	// maximum datagram size.
	ErrDatagramTooLarge = errors.New("datagram too large")

	// ErrUnexpectedMessage is returned when a WebSocket peer sends a
	// non-binary message.
	ErrUnexpectedMessage = errors.New("unexpected message type")

	// ErrUnsupported is returned when a backend cannot provide an operation
	// on this platform.
	ErrUnsupported = errors.New("operation not supported")
)

// IsClosed reports whether err means the resource was closed locally.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// isTimeout reports whether err is a deadline expiry.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ctxErr prefers the context error when ctx ended the operation, so callers
// see context.Canceled rather than the deadline error used to interrupt I/O.
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}
