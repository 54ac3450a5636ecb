package network

import "errors"

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("pubsub closed")

// Message is the transport envelope delivered to subscribers.
type Message struct {
	Topic   string
	From    string
	Payload []byte
}

// PubSub is a minimal interface for broadcast-style communication.
// Subscribers of a topic also receive what the local node publishes on it.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
