package smtp

import "context"

// Deliverer receives each accepted envelope. A non-nil error is reported to
// the client as a transient 451 failure; the session continues.
type Deliverer interface {
	Deliver(ctx context.Context, env *Envelope) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, env *Envelope) error

func (f DelivererFunc) Deliver(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

var discard = DelivererFunc(func(context.Context, *Envelope) error { return nil })
