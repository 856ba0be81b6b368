package realtime

import "context"

// State is the observable health of one backbone connection
type State string

const (
	StateConnecting   State = "connecting"
	StateReconnecting State = "reconnecting"
	StateReady        State = "ready"
	StateErrored      State = "errored"
)

// Backbone is the pub/sub channel shared by every gateway instance.
// Implementations must frame each published message atomically so concurrent
// publishers never interleave.
type Backbone interface {
	// Publish sends msg to every subscriber, the publishing instance included
	Publish(ctx context.Context, msg []byte) error

	// Subscribe registers handler and returns once the subscription is
	// confirmed. handler runs on a single goroutine owned by the backbone.
	Subscribe(ctx context.Context, handler func(msg []byte)) error

	// States reports the state of each underlying connection by name
	States() map[string]State

	// Close shuts down the subscription and both connections
	Close() error
}
