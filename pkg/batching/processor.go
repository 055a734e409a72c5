package batching

import (
	"context"
	"time"

	"github.com/warelay/warelay/pkg/types/messaging"
)

// Processor consumes one drained batch for one user. The pipeline
// guarantees the batch is non-empty and ordered by receive time, that
// invocations for the same user never overlap, and that retries re-invoke
// Process with the same batch. What happens inside is the processor's
// business; the bridge implementation talks to the agent and the WhatsApp
// transport.
type Processor interface {
	Process(ctx context.Context, userID string, batch []messaging.Message) error
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc func(ctx context.Context, userID string, batch []messaging.Message) error

func (f ProcessorFunc) Process(ctx context.Context, userID string, batch []messaging.Message) error {
	return f(ctx, userID, batch)
}

type batchIDKey struct{}

func withBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey{}, id)
}

// BatchIDFromContext returns the batch identifier the pipeline assigned to
// the current Process invocation, or "" outside one. Processors use it to
// correlate their own telemetry with the pipeline's.
func BatchIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey{}).(string)
	return id
}

// Notifier delivers best-effort user-visible notices outside the normal
// reply path: backpressure rejections and retry-exhaustion messages.
// Errors are logged and swallowed.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, text string) error
}

// DeadBatch is the record handed to the dead letter handler: the
// exhausted batch plus enough context to triage or replay it.
type DeadBatch struct {
	UserID   string              `json:"user_id"`
	BatchID  string              `json:"batch_id"`
	Attempts int                 `json:"attempts"`
	Reason   string              `json:"reason,omitempty"`
	FailedAt time.Time           `json:"failed_at"`
	Messages []messaging.Message `json:"messages"`
}

// DeadLetterHandler receives a batch once its retries are exhausted. A
// configured handler takes ownership: the batch's messages are marked
// processed afterwards, so a webhook replay will not resurrect them.
// Handler errors are logged and swallowed.
type DeadLetterHandler func(ctx context.Context, dead DeadBatch) error
