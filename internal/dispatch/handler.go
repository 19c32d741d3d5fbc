package dispatch

import (
	"context"

	"github.com/mattjoyce/repoflow/internal/queue"
)

// Handler processes one dequeued job. It must not return before the stage
// status it owns is terminal.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) Outcome

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) Outcome { return f(ctx, job) }

// Outcome is what a handler reports back for the queue record.
type Outcome struct {
	Status queue.Status
	Err    error
}

func Succeeded() Outcome { return Outcome{Status: queue.StatusSucceeded} }

func Failed(err error) Outcome { return Outcome{Status: queue.StatusFailed, Err: err} }

func Cancelled(err error) Outcome { return Outcome{Status: queue.StatusCancelled, Err: err} }

func (o Outcome) errorMessage() *string {
	if o.Err == nil {
		return nil
	}
	msg := o.Err.Error()
	return &msg
}
