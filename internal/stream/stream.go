package stream

import (
	"context"
	"time"
)

// Stream is the transport boundary for mesh gossip: the node publishes its
// own capability advertisements and subscribes to those of nearby peers.
// The discovery primitive beneath it (broker, radio bridge) is external.
type Stream interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// MessageHandler is invoked for every message received on a subscription.
type MessageHandler func(msg *Message) error

// Message is a single message received from the mesh transport.
type Message struct {
	Subject   string    `json:"subject"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is an active subscription that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// Mesh gossip subjects.
const (
	SubjectAdvert = "loom.mesh.advert"
	SubjectLeave  = "loom.mesh.leave"
)
