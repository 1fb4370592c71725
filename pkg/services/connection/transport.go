package connection

import "context"

// Transport opens sessions to the publish/subscribe broker. The
// Connection Manager owns recovery, so implementations must not
// reconnect on their own.
type Transport interface {
	// Dial performs the handshake. onClose is invoked at most once, from
	// any goroutine, when an established session drops; it is not invoked
	// for Close calls made by the manager.
	Dial(ctx context.Context, onClose func(error)) (Session, error)
}

// Session is one live connection.
type Session interface {
	Subscribe(topic string, handler func(data []byte)) (Subscription, error)
	Publish(topic string, data []byte) error
	Close() error
}

type Subscription interface {
	Unsubscribe() error
}

// SessionHook is notified when a session becomes usable and before it
// is torn down. Hooks run while the manager's lock is held and must not
// call back into the Manager.
type SessionHook interface {
	SessionUp(s Session)
	SessionDown()
}
