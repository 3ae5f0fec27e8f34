package progress

import "context"

// Sink consumes batches of progress events. Implementations must honor ctx
// deadlines. Consume is only called from the hub goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. The crawler only depends on this
// interface so it stays agnostic about buffering and persistence.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
