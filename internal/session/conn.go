package session

import (
	"context"
	"errors"
)

// ErrDisconnected reports that the client connection is gone.
var ErrDisconnected = errors.New("client disconnected")

// Connection is a live client connection carrying discrete text messages.
type Connection interface {
	// Receive blocks until a message arrives, the connection ends or ctx is
	// done. Cancelling ctx abandons the receive without closing the
	// connection.
	Receive(ctx context.Context) (string, error)
	// Send returns an error wrapping ErrDisconnected once the connection is
	// closed.
	Send(text string) error
	Connected() bool
	// Close is idempotent.
	Close(reason CloseReason) error
}

// CloseCode is a WebSocket close status code.
type CloseCode int

const (
	CloseNormal        CloseCode = 1000
	CloseInternalError CloseCode = 1011
)

// maxCloseReasonBytes is the largest reason a close frame can carry.
const maxCloseReasonBytes = 123

// CloseReason is the status and text sent in a close frame.
type CloseReason struct {
	Code   CloseCode
	Reason string
}

// NormalClosure is the close sent after a session ends without error.
func NormalClosure() CloseReason {
	return CloseReason{Code: CloseNormal, Reason: "session ended"}
}

// InternalError builds an internal-error close carrying err's message,
// truncated to fit a close frame.
func InternalError(err error) CloseReason {
	reason := "internal error"
	if err != nil {
		reason = err.Error()
	}
	return CloseReason{Code: CloseInternalError, Reason: truncateReason(reason)}
}

func truncateReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	cut := maxCloseReasonBytes
	// Back off to a rune boundary so the reason stays valid UTF-8.
	for cut > 0 && reason[cut]&0xC0 == 0x80 {
		cut--
	}
	return reason[:cut]
}
