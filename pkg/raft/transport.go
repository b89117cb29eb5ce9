package raft

// Message is the envelope moved between endpoints by a transport. Data is
// an encoded RPC message and is never interpreted by transports.
type Message struct {
	SourceId      EndpointId
	DestinationId EndpointId
	Data          []byte
}

// Receiver is the endpoint side of a transport. ReceiveMessage is the
// inbound hook; DeliveryFailed reports messages a transport accepted but
// could not deliver.
type Receiver interface {
	ReceiveMessage(Message)
	DeliveryFailed(EndpointId, error)
}

// Transport moves messages between endpoints. Send must not block for long:
// implementations deliver asynchronously and report failures either by
// returning a *ConnectivityError or through Receiver.DeliveryFailed.
type Transport interface {
	Start(Receiver) error
	Stop()
	Send(Message) error
}
