package handlers

// ConnectionHandle identifies one live switch connection. The transport
// allocates it and never reuses a value within a process.
type ConnectionHandle uint32

type SwitchEventKind uint8

const (
	SwitchEventKind_Connected SwitchEventKind = iota
	SwitchEventKind_Message
	SwitchEventKind_Disconnected
)

func (k SwitchEventKind) String() string {
	switch k {
	case SwitchEventKind_Connected:
		return "Connected"
	case SwitchEventKind_Message:
		return "Message"
	case SwitchEventKind_Disconnected:
		return "Disconnected"
	}
	return "Unknown"
}

//
// Transport -> shim
type SwitchEvent struct {
	Kind          SwitchEventKind
	Handle        ConnectionHandle
	RemoteAddress string
	RecvTimestamp int64

	// One complete OpenFlow message for SwitchEventKind_Message.
	Data []byte

	// Why the connection went away, for SwitchEventKind_Disconnected.
	Reason error
}

//
// Shim -> transport
type SwitchMessage struct {
	Handle         ConnectionHandle
	RouteTimestamp int64
	Data           []byte
}
