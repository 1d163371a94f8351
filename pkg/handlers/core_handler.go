package handlers

type CoreMessageHandler struct {
	Name            string
	GetNowTimestamp func() int64

	IncomingMessages chan<- CoreMessage
	OutgoingMessages <-chan CoreMessage
	ConnectionEvents chan<- CoreConnectionEvent
}
