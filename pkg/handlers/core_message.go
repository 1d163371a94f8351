package handlers

// CoreMessage carries one serialized NetIP envelope in either direction.
type CoreMessage struct {
	RecvTimestamp  int64
	RouteTimestamp int64
	Data           []byte
}

// Message bus lifecycle
type CoreConnectionEvent struct {
	Connected bool
	Endpoint  string
	Error     error
}
