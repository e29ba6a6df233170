// Package fault defines the linkback error taxonomy shared by the Pingback
// and TrackBack servers and clients. The numeric code of each Kind is the
// value exchanged over the wire in XML-RPC faults.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies a protocol error. Its integer value is the wire fault code.
type Kind int

// Fault kinds raised while validating an inbound ping or reported by a
// remote server.
const (
	Unknown            Kind = 0x0000
	SourceDoesNotExist Kind = 0x0010
	SourceDoesNotLink  Kind = 0x0011
	TargetDoesNotExist Kind = 0x0020
	TargetNotPingable  Kind = 0x0021
	AlreadyRegistered  Kind = 0x0030
	AccessDenied       Kind = 0x0031
	ConnectionError    Kind = 0x0032
)

// Kinds raised only by clients interpreting a remote response.
const (
	ServerDoesNotExist    Kind = 0x0100
	RemoteError           Kind = 0x0101
	InvalidResponse       Kind = 0x0111
	ClientConnectionError Kind = 0x0132
)

var kindNames = map[Kind]string{
	Unknown:               "Unknown",
	SourceDoesNotExist:    "SourceDoesNotExist",
	SourceDoesNotLink:     "SourceDoesNotLink",
	TargetDoesNotExist:    "TargetDoesNotExist",
	TargetNotPingable:     "TargetNotPingable",
	AlreadyRegistered:     "AlreadyRegistered",
	AccessDenied:          "AccessDenied",
	ConnectionError:       "ConnectionError",
	ServerDoesNotExist:    "ServerDoesNotExist",
	RemoteError:           "RemoteError",
	InvalidResponse:       "InvalidResponse",
	ClientConnectionError: "ClientConnectionError",
}

var serverMessages = map[Kind]string{
	Unknown:            "Unknown error",
	SourceDoesNotExist: "Source does not exist",
	SourceDoesNotLink:  "Source does not link",
	TargetDoesNotExist: "Target does not exist",
	TargetNotPingable:  "Target is not pingable",
	AlreadyRegistered:  "Ping to target from given source already registered",
	AccessDenied:       "Access denied",
	ConnectionError:    "A connection error has occurred",
}

var clientMessages = map[Kind]string{
	Unknown:               "An unknown error has occurred",
	SourceDoesNotExist:    "Source does not exist",
	SourceDoesNotLink:     "Source does not link",
	TargetDoesNotExist:    "Target does not exist",
	TargetNotPingable:     "Target is not pingable",
	AlreadyRegistered:     "Ping to target from given source already registered",
	AccessDenied:          "Access denied",
	ConnectionError:       "A connection error has occurred",
	ServerDoesNotExist:    "The given server resource does not exist",
	RemoteError:           "An error occurred on the remote server",
	InvalidResponse:       "The received response was invalid",
	ClientConnectionError: "Error connecting to server",
}

// Code returns the wire fault code.
func (k Kind) Code() int { return int(k) }

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%#04x)", int(k))
}

// ServerSide reports whether the kind may be raised by a linkback server.
func (k Kind) ServerSide() bool {
	_, ok := serverMessages[k]
	return ok
}

// ServerError is a rejection produced by the validation pipeline.
type ServerError struct {
	Kind    Kind
	Message string
}

// NewServerError builds a rejection. An empty message uses the kind's default.
func NewServerError(kind Kind, message string) *ServerError {
	if message == "" {
		message = serverMessages[kind]
	}
	if message == "" {
		message = serverMessages[Unknown]
	}
	return &ServerError{Kind: kind, Message: message}
}

func (e *ServerError) Error() string { return e.Message }

// Code returns the wire fault code.
func (e *ServerError) Code() int { return e.Kind.Code() }

// ClientError is a failure observed while pinging a remote server.
type ClientError struct {
	Kind   Kind
	Reason string
}

// NewClientError builds a client failure with an optional reason.
func NewClientError(kind Kind, reason string) *ClientError {
	if _, ok := clientMessages[kind]; !ok {
		kind = Unknown
	}
	return &ClientError{Kind: kind, Reason: reason}
}

// FromCode maps a wire fault code to a client error. Unmapped codes yield
// an Unknown error.
func FromCode(code int, reason string) *ClientError {
	return NewClientError(Kind(code), reason)
}

// FromHTTPStatus maps the status of a failed ping delivery to a client
// error.
func FromHTTPStatus(status int, reason string) *ClientError {
	switch status {
	case http.StatusNotFound:
		return NewClientError(ServerDoesNotExist, reason)
	case http.StatusInternalServerError:
		return NewClientError(RemoteError, reason)
	case http.StatusUnauthorized, http.StatusForbidden:
		return NewClientError(AccessDenied, reason)
	default:
		return NewClientError(ClientConnectionError, reason)
	}
}

// Message is the default human-readable message for the error kind.
func (e *ClientError) Message() string { return clientMessages[e.Kind] }

func (e *ClientError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" || strings.EqualFold(reason, e.Message()) {
		return e.Message()
	}
	return e.Message() + ": " + reason
}

// AsServer extracts a *ServerError from err.
func AsServer(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// AsClient extracts a *ClientError from err.
func AsClient(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
