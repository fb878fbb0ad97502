package stream

import "context"

// Listener receives notifications from one connection handle. Calls may
// come from any goroutine.
type Listener interface {
	OnOpen()
	OnMessage(data []byte)
	OnError(err error)
}

// Handle is a live push stream. Close must be safe to call more than once.
type Handle interface {
	Close() error
}

// Opener acquires a push stream for a session. An error return means no
// handle was created; failures after that are reported to the Listener.
type Opener interface {
	Open(ctx context.Context, sessionID string, l Listener) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, sessionID string, l Listener) (Handle, error)

func (f OpenerFunc) Open(ctx context.Context, sessionID string, l Listener) (Handle, error) {
	return f(ctx, sessionID, l)
}
