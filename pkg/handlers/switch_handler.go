package handlers

// SwitchMessageHandler is the channel bundle a switch-facing transport uses
// to talk to the shim. Connected, Message and Disconnected events for one
// connection travel on the same channel so the shim sees them in order.
type SwitchMessageHandler struct {
	Name            string
	GetNowTimestamp func() int64

	IncomingEvents   chan<- SwitchEvent
	OutgoingMessages <-chan SwitchMessage
}
