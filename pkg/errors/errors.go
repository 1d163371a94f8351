package errors

import "fmt"

type MalformedMessage struct {
	MessageName string
	MsgSize     int
	MinimumSize int
	Reason      string
}

func (e *MalformedMessage) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("Malformed message (type=%s, size=%d): %s", e.MessageName, e.MsgSize, e.Reason)
	}
	return fmt.Sprintf("Message parsing underflowed (type=%s), provided %d bytes, needed at least %d", e.MessageName, e.MsgSize, e.MinimumSize)
}

type InvalidEnumValue struct {
	EnumName string
	IntValue uint8
}

func (e *InvalidEnumValue) Error() string {
	return fmt.Sprintf("Invalid enum value=%d (enum: %s)", e.IntValue, e.EnumName)
}

type InvalidHeaderVersion struct {
	HeaderName      string
	ExpectedVersion uint8
	ActualVersion   uint8
}

func (e *InvalidHeaderVersion) Error() string {
	return fmt.Sprintf("Invalid %s header: expected version %d, got %d", e.HeaderName, e.ExpectedVersion, e.ActualVersion)
}

type MissingFieldError struct {
	MessageName string
	FieldName   string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("Missing field %s in message type %s", e.FieldName, e.MessageName)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

// UnknownDatapath is returned when the core addresses a switch that has no
// registered connection.
type UnknownDatapath struct {
	DatapathId uint64
}

func (e *UnknownDatapath) Error() string {
	return fmt.Sprintf("No connection registered for datapath id 0x%016x", e.DatapathId)
}

type HandshakeFailure struct {
	Connection uint32
	Xid        uint32
	Detail     string
	Cause      error
}

func (e *HandshakeFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("Handshake failed for connection %d (xid=%d): %s: %s", e.Connection, e.Xid, e.Detail, e.Cause.Error())
	}
	return fmt.Sprintf("Handshake failed for connection %d (xid=%d): %s", e.Connection, e.Xid, e.Detail)
}

func (e *HandshakeFailure) Unwrap() error {
	return e.Cause
}

type TransportFailure struct {
	Operation  string
	Connection uint32
	Cause      error
}

func (e *TransportFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("Transport failure during %s (connection=%d): %s", e.Operation, e.Connection, e.Cause.Error())
	}
	return fmt.Sprintf("Transport failure during %s (connection=%d)", e.Operation, e.Connection)
}

func (e *TransportFailure) Unwrap() error {
	return e.Cause
}

// NotNegotiated is returned when traffic is offered for a connection whose
// OpenFlow version has not been settled yet.
type NotNegotiated struct {
	Connection uint32
}

func (e *NotNegotiated) Error() string {
	return fmt.Sprintf("Connection %d has not negotiated an OpenFlow version", e.Connection)
}
