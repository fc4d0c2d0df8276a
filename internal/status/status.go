// Package status defines the result codes reported across the transport's
// public boundary. A Code is itself an error so it can be wrapped with %w and
// recovered with Of.
package status

import "errors"

// Code is a transport result code.
type Code int

const (
	Success Code = iota
	GeneralError
	AlreadyStarted
	InvalidAddress
	SetOptionFailure
	BindError
	InvalidConnection
	ConnectionAlreadyExists
	TooManyConnections
	NotConnected
	TimedOut
	PingFailed
	SendFailure
	MessageTooLarge
	Canceled
	KeepaliveFailure
	SlowSpeed
	ConnectionClosed
	AcceptPending
)

var names = map[Code]string{
	Success:                 "success",
	GeneralError:            "general error",
	AlreadyStarted:          "already started",
	InvalidAddress:          "invalid address",
	SetOptionFailure:        "failed to set socket option",
	BindError:               "failed to bind endpoint",
	InvalidConnection:       "invalid connection",
	ConnectionAlreadyExists: "connection already exists",
	TooManyConnections:      "too many connections",
	NotConnected:            "not connected",
	TimedOut:                "timed out",
	PingFailed:              "ping failed",
	SendFailure:             "send failure",
	MessageTooLarge:         "message too large",
	Canceled:                "operation canceled",
	KeepaliveFailure:        "keepalive failure",
	SlowSpeed:               "transfer speed below threshold",
	ConnectionClosed:        "connection closed by peer",
	AcceptPending:           "accept already in progress",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown status"
}

func (c Code) Error() string { return "rudp: " + c.String() }

// Of extracts the Code carried by err. nil maps to Success and errors without
// a Code map to GeneralError.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return GeneralError
}
