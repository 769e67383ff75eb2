package coordination

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/ternarybob/trendpipe/internal/models"
)

// LocalBackend coordinates within a single process. It is the default
// backend and the one tests run against.
type LocalBackend struct {
	*breakerSet

	enqueueTimeout time.Duration

	mu   sync.Mutex
	pq   jobHeap
	seq  uint64
	subs map[string][]chan *models.ScrapeResult

	// slots holds one token per occupied queue position; items holds one
	// token per queued job. Enqueue blocks on slots for backpressure,
	// Dequeue blocks on items, and the heap decides ordering.
	slots chan struct{}
	items chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// NewLocalBackend creates an in-process backend with a bounded priority
// queue of maxSize and the given breaker parameters.
func NewLocalBackend(maxSize, failureThreshold int, openWindow, enqueueTimeout time.Duration) *LocalBackend {
	return &LocalBackend{
		breakerSet:     newBreakerSet(failureThreshold, openWindow),
		enqueueTimeout: enqueueTimeout,
		subs:           make(map[string][]chan *models.ScrapeResult),
		slots:          make(chan struct{}, maxSize),
		items:          make(chan struct{}, maxSize),
		closed:         make(chan struct{}),
	}
}

func (l *LocalBackend) Enqueue(ctx context.Context, job *models.ScrapeJob) error {
	timer := time.NewTimer(l.enqueueTimeout)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
	case <-timer.C:
		return ErrQueueFull
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closed:
		return ErrClosed
	}

	l.mu.Lock()
	l.seq++
	job.EnqueuedAt = time.Now().UTC()
	heap.Push(&l.pq, &queuedJob{job: job, seq: l.seq})
	l.mu.Unlock()

	l.items <- struct{}{}
	return nil
}

func (l *LocalBackend) Dequeue(ctx context.Context) (*models.ScrapeJob, error) {
	select {
	case <-l.items:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrClosed
	}

	l.mu.Lock()
	qj := heap.Pop(&l.pq).(*queuedJob)
	l.mu.Unlock()

	<-l.slots
	return qj.job, nil
}

func (l *LocalBackend) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pq.Len()
}

func (l *LocalBackend) Acquire(source string) (bool, error) {
	return l.acquire(source)
}

func (l *LocalBackend) ReportSuccess(source string, probe bool) {
	l.reportSuccess(source, probe)
}

func (l *LocalBackend) ReportFailure(source string, probe bool) {
	l.reportFailure(source, probe)
}

func (l *LocalBackend) BreakerSnapshot(source string) BreakerSnapshot {
	return l.snapshot(source)
}

func (l *LocalBackend) PublishResult(ctx context.Context, result *models.ScrapeResult) error {
	l.mu.Lock()
	chans := append([]chan *models.ScrapeResult(nil), l.subs[result.RunID]...)
	l.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- result:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *LocalBackend) SubscribeResults(runID string) (<-chan *models.ScrapeResult, func(), error) {
	ch := make(chan *models.ScrapeResult, 64)

	l.mu.Lock()
	l.subs[runID] = append(l.subs[runID], ch)
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		chans := l.subs[runID]
		for i, c := range chans {
			if c == ch {
				l.subs[runID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(l.subs[runID]) == 0 {
			delete(l.subs, runID)
		}
	}
	return ch, cancel, nil
}

func (l *LocalBackend) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// queuedJob pairs a job with its enqueue sequence so equal priorities
// dequeue FIFO.
type queuedJob struct {
	job *models.ScrapeJob
	seq uint64
}

type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*queuedJob)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	qj := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qj
}
