package supervisor

import (
	"context"

	"github.com/meep1w/pocketbot/internal/model"
)

// Worker is the capability the supervisor needs from a child bot runtime.
// The supervisor never depends on a concrete transport.
type Worker interface {
	// Start brings the bot up and returns once it is accepting updates,
	// or with the reason it could not start. It must respect ctx.
	Start(ctx context.Context) error
	// Stop shuts the bot down and releases its resources. Safe to call
	// more than once.
	Stop()
	// Done returns a channel that is closed after the bot exits. The first
	// receive yields the exit cause (nil for a clean stop); receives after
	// close yield nil.
	Done() <-chan error
}

// Sender is implemented by workers able to deliver outbound messages to
// end users. The broadcast dispatcher consumes it.
type Sender interface {
	Send(chatID int64, payload string) error
}

// WorkerFactory builds a Worker for a tenant.
type WorkerFactory interface {
	New(t *model.Tenant) (Worker, error)
}

// WorkerFactoryFunc adapts a function to the WorkerFactory interface.
type WorkerFactoryFunc func(t *model.Tenant) (Worker, error)

func (f WorkerFactoryFunc) New(t *model.Tenant) (Worker, error) { return f(t) }
