package client

import (
	"fmt"

	"github.com/coder/websocket"
)

// Status is the record served by the server's status endpoint.
type Status struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Online reports whether the server accepts sessions.
func (s Status) Online() bool {
	return s.Status == "online"
}

const (
	CloseNormal        = int(websocket.StatusNormalClosure)
	CloseInternalError = int(websocket.StatusInternalError)
)

// CloseError reports that the server ended the session with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session closed with status %d", e.Code)
	}
	return fmt.Sprintf("session closed with status %d: %s", e.Code, e.Reason)
}

// Failed reports whether the server closed the session because of an error.
func (e *CloseError) Failed() bool {
	return e.Code != CloseNormal
}
