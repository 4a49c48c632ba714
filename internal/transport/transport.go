// Package transport delivers batches to the collection endpoint.
//
// The Transport capability has two paths. Request is the acknowledged path
// used by periodic flushes; its outcome drives the circuit breaker.
// FireAndForget is the teardown path: it must return without waiting for the
// network and reports only whether the payload was handed off.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nacorga/tracelog/internal/model"
)

// Transport is the delivery capability consumed by the pipeline.
type Transport interface {
	// FireAndForget hands batch off for delivery without waiting.
	// Returns false if the hand-off was refused.
	FireAndForget(endpoint string, batch model.Batch) bool
	// Request delivers batch and waits for acknowledgement up to timeout.
	Request(ctx context.Context, endpoint string, batch model.Batch, timeout time.Duration) error
}

// StatusError reports a non-2xx response from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("collector responded %d", e.Code)
	}
	return fmt.Sprintf("collector responded %d: %s", e.Code, e.Body)
}

// Retryable reports whether the failure is worth retrying. Client errors
// other than 408 and 429 will fail the same way again.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == 408 || e.Code == 429
}
