// Package coordination provides the shared breaker and work-queue state that
// scrape workers coordinate through. Two backends implement the same
// contract: an in-process one for single-instance deployments and tests, and
// a NATS one that propagates breaker transitions and distributes jobs across
// instances.
package coordination

import (
	"context"
	"errors"

	"github.com/ternarybob/trendpipe/internal/models"
)

var (
	// ErrQueueFull is returned when a job cannot be enqueued within the
	// configured backpressure window.
	ErrQueueFull = errors.New("scrape queue full")

	// ErrCircuitOpen is returned when the breaker for a source refuses work.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrClosed is returned on operations against a closed backend.
	ErrClosed = errors.New("coordination backend closed")
)

// Backend is the coordination contract shared by scrape workers and the
// pipeline orchestrator.
//
// Queue semantics: jobs dequeue in (priority desc, enqueue order) order.
// Enqueue blocks up to the backpressure window when the queue is at
// capacity, then fails with ErrQueueFull. Jobs are never silently dropped.
//
// Breaker semantics: Acquire reserves permission to call a source. While
// the breaker is open, Acquire fails with ErrCircuitOpen until the open
// window elapses; the first Acquire after that wins the single half-open
// probe slot (probe=true). Callers must pair every successful Acquire with
// exactly one ReportSuccess or ReportFailure, passing the probe flag back.
type Backend interface {
	Enqueue(ctx context.Context, job *models.ScrapeJob) error
	Dequeue(ctx context.Context) (*models.ScrapeJob, error)
	QueueDepth() int

	Acquire(source string) (probe bool, err error)
	ReportSuccess(source string, probe bool)
	ReportFailure(source string, probe bool)
	BreakerSnapshot(source string) BreakerSnapshot

	// PublishResult reports a completed job to the run that enqueued it.
	PublishResult(ctx context.Context, result *models.ScrapeResult) error

	// SubscribeResults returns a channel of results for one run plus a
	// cancel func that releases the subscription.
	SubscribeResults(runID string) (<-chan *models.ScrapeResult, func(), error)

	Close() error
}
