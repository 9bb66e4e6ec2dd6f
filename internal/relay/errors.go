package relay

import (
	"errors"
	"fmt"

	"github.com/matst80/iaptunnel/internal/proto"
)

var (
	// ErrInvalidEndpoint reports a syntactically invalid locator, port or interface.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	// ErrAuthentication reports that no bearer token could be obtained or the relay refused it.
	ErrAuthentication = errors.New("authentication failed")
	// ErrConnectionRejected reports a handshake refused for reasons other than
	// authorization, typically a proxy or firewall blocking WebSocket upgrades.
	ErrConnectionRejected = errors.New("relay handshake rejected")
	// ErrAccessDenied reports that the relay refused access to the destination.
	ErrAccessDenied = errors.New("access to destination denied by relay")
	// ErrTransport reports an I/O failure on the physical connection.
	ErrTransport = errors.New("relay transport error")
	// ErrProtocolViolation reports malformed or unexpected relay frames.
	ErrProtocolViolation = errors.New("relay protocol violation")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("relay session closed")
	// ErrShortBuffer is returned when a read buffer is smaller than proto.MinReadSize.
	ErrShortBuffer = errors.New("read buffer smaller than relay minimum")
	// ErrWriteTooLarge is returned when a write exceeds proto.MaxWriteSize.
	ErrWriteTooLarge = errors.New("write larger than relay maximum")
)

// CloseError is a close status received from the relay.
type CloseError struct {
	Code   proto.CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("relay closed connection: %s (%d)", e.Code, int(e.Code))
	}
	return fmt.Sprintf("relay closed connection: %s (%d): %s", e.Code, int(e.Code), e.Reason)
}

// Is maps relay close codes onto the error taxonomy.
func (e *CloseError) Is(target error) bool {
	switch target {
	case ErrAccessDenied:
		return e.Code == proto.CloseNotAuthorized
	case ErrAuthentication:
		return e.Code == proto.CloseReauthenticationRequired
	case ErrProtocolViolation:
		switch e.Code {
		case proto.CloseBadAck, proto.CloseInvalidAck, proto.CloseInvalidTag,
			proto.CloseInvalidData, proto.CloseInvalidWebsocketOpcode:
			return true
		}
	}
	return false
}

// UnacknowledgedError reports that a reconnect resumed the outbound stream at
// an offset below what had been written. The bytes in
// [Acknowledged, Written) never reached the destination; callers that need
// guaranteed delivery retransmit them from their own buffer.
type UnacknowledgedError struct {
	Written      uint64
	Acknowledged uint64
}

func (e *UnacknowledgedError) Error() string {
	return fmt.Sprintf("relay resumed at byte %d after %d bytes were written; %d bytes unacknowledged",
		e.Acknowledged, e.Written, e.Written-e.Acknowledged)
}

// Lost returns the number of bytes that must be retransmitted.
func (e *UnacknowledgedError) Lost() uint64 { return e.Written - e.Acknowledged }
