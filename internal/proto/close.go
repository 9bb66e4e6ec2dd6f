package proto

import "strconv"

// CloseCode is a WebSocket close status sent by the relay.
type CloseCode int

const (
	CloseNormal                   CloseCode = 1000
	CloseErrorUnknown             CloseCode = 4000
	CloseSIDUnknown               CloseCode = 4001
	CloseSIDInUse                 CloseCode = 4002
	CloseFailedToConnectToBackend CloseCode = 4003
	CloseReauthenticationRequired CloseCode = 4004
	CloseBadAck                   CloseCode = 4005
	CloseInvalidAck               CloseCode = 4006
	CloseInvalidWebsocketOpcode   CloseCode = 4007
	CloseInvalidTag               CloseCode = 4008
	CloseDestinationWriteFailed   CloseCode = 4009
	CloseDestinationReadFailed    CloseCode = 4010
	CloseInvalidData              CloseCode = 4013
	CloseNotAuthorized            CloseCode = 4033
	CloseLookupFailed             CloseCode = 4047
	CloseLookupFailedReconnect    CloseCode = 4051
	CloseFailedToRewind           CloseCode = 4074
)

var closeNames = map[CloseCode]string{
	CloseNormal:                   "normal",
	CloseErrorUnknown:             "error_unknown",
	CloseSIDUnknown:               "sid_unknown",
	CloseSIDInUse:                 "sid_in_use",
	CloseFailedToConnectToBackend: "failed_to_connect_to_backend",
	CloseReauthenticationRequired: "reauthentication_required",
	CloseBadAck:                   "bad_ack",
	CloseInvalidAck:               "invalid_ack",
	CloseInvalidWebsocketOpcode:   "invalid_websocket_opcode",
	CloseInvalidTag:               "invalid_tag",
	CloseDestinationWriteFailed:   "destination_write_failed",
	CloseDestinationReadFailed:    "destination_read_failed",
	CloseInvalidData:              "invalid_data",
	CloseNotAuthorized:            "not_authorized",
	CloseLookupFailed:             "lookup_failed",
	CloseLookupFailedReconnect:    "lookup_failed_reconnect",
	CloseFailedToRewind:           "failed_to_rewind",
}

func (c CloseCode) String() string {
	if n, ok := closeNames[c]; ok {
		return n
	}
	return "close_" + strconv.Itoa(int(c))
}

// Reconnectable reports whether a session closed with c may be resumed.
func (c CloseCode) Reconnectable() bool {
	switch c {
	case CloseErrorUnknown, CloseReauthenticationRequired:
		return true
	}
	return false
}
