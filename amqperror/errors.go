package amqpError

import (
	"errors"
	"fmt"
)

// AmqpError represents AMQP protocol reply codes
type AmqpError uint16

// AMQP reply code constants
const (
	// ReplySuccess - Used for voluntary channel and connection closes
	ReplySuccess AmqpError = 200

	// NoRoute - Returned by the server when mandatory messages cannot be routed
	NoRoute AmqpError = 312

	// NoConsumers - Returned by the server when immediate messages have no consumer
	NoConsumers AmqpError = 313

	// ConnectionForced - Server closed the connection on operator request
	ConnectionForced AmqpError = 320

	// InvalidPath - Virtual host path was not recognised
	InvalidPath AmqpError = 402

	// AccessRefused - Access request for a realm was denied
	AccessRefused AmqpError = 403

	// NotFound - Exchange or queue does not exist
	NotFound AmqpError = 404

	// ResourceLocked - Exclusive resource held by another client
	ResourceLocked AmqpError = 405

	// PreconditionFailed - Method arguments conflict with server state
	PreconditionFailed AmqpError = 406

	// FrameError - Frame could not be parsed
	FrameError AmqpError = 501

	// SyntaxError - Malformed method arguments
	SyntaxError AmqpError = 502

	// CommandInvalid - Method not valid in the current state
	CommandInvalid AmqpError = 503

	// ChannelError - Channel-level failure
	ChannelError AmqpError = 504

	// ResourceError - Server ran out of a resource
	ResourceError AmqpError = 506

	// NotAllowed - Operation forbidden by the server
	NotAllowed AmqpError = 530

	// NotImplemented - Method not implemented by the peer
	NotImplemented AmqpError = 540

	// InternalError - Internal peer failure
	InternalError AmqpError = 541
)

func (e AmqpError) Code() uint16 {
	return uint16(e)
}

// String returns the error string representation of the AmqpError
func (e AmqpError) String() string {
	switch e {
	case ReplySuccess:
		return "REPLY_SUCCESS"
	case NoRoute:
		return "NO_ROUTE"
	case NoConsumers:
		return "NO_CONSUMERS"
	case ConnectionForced:
		return "CONNECTION_FORCED"
	case InvalidPath:
		return "INVALID_PATH"
	case AccessRefused:
		return "ACCESS_REFUSED"
	case NotFound:
		return "NOT_FOUND"
	case ResourceLocked:
		return "RESOURCE_LOCKED"
	case PreconditionFailed:
		return "PRECONDITION_FAILED"
	case FrameError:
		return "FRAME_ERROR"
	case SyntaxError:
		return "SYNTAX_ERROR"
	case CommandInvalid:
		return "COMMAND_INVALID"
	case ChannelError:
		return "CHANNEL_ERROR"
	case ResourceError:
		return "RESOURCE_ERROR"
	case NotAllowed:
		return "NOT_ALLOWED"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Error taxonomy shared by the codec and the state machines.
var (
	// ErrFraming means the byte stream can no longer be trusted.
	ErrFraming = errors.New("framing error")
	// ErrDecode covers malformed or truncated input.
	ErrDecode = errors.New("decode error")
	// ErrEncode is a local caller error, e.g. an oversized short string.
	ErrEncode = errors.New("encode error")
	// ErrProtocolState is returned when an operation is not allowed in the
	// current connection or channel state. No I/O is performed.
	ErrProtocolState = errors.New("protocol state error")
	// ErrUnknownChannel is returned when a frame addresses a channel that
	// is not registered on the connection.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrClosedByServer matches every *CloseError.
	ErrClosedByServer = errors.New("closed by server")
)

// CloseError carries the arguments of a Close method received from the
// server, either for a channel or for the whole connection.
type CloseError struct {
	Code     uint16
	Text     string
	ClassID  uint16
	MethodID uint16
	// Channel is 0 for a connection-level close.
	Channel uint16
}

func (e *CloseError) Error() string {
	scope := "connection"
	if e.Channel != 0 {
		scope = fmt.Sprintf("channel %d", e.Channel)
	}
	return fmt.Sprintf("%s closed by server: %d %s (%s), class=%d, method=%d",
		scope, e.Code, AmqpError(e.Code).String(), e.Text, e.ClassID, e.MethodID)
}

// Is makes errors.Is(err, ErrClosedByServer) true for every CloseError.
func (e *CloseError) Is(target error) bool {
	return target == ErrClosedByServer
}
