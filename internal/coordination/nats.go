package coordination

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trendpipe/internal/common"
	"github.com/ternarybob/trendpipe/internal/models"
)

const jobsQueueGroup = "scrape-workers"

// Job acceptance replies on the request/reply enqueue path.
const (
	ackAccept = "+ACK"
	ackReject = "-FULL"
)

// NATSOptions configures the NATS coordination backend.
type NATSOptions struct {
	URL              string
	SubjectPrefix    string
	InstanceID       string
	QueueMaxSize     int
	FailureThreshold int
	OpenWindow       time.Duration
	EnqueueTimeout   time.Duration
}

// breakerEvent wraps a snapshot with its origin instance so receivers can
// ignore their own broadcasts.
type breakerEvent struct {
	Origin   string          `json:"origin"`
	Snapshot BreakerSnapshot `json:"snapshot"`
}

// NATSBackend coordinates across process instances. Jobs are distributed
// through a queue-group subject so each job is delivered to exactly one
// instance; breaker transitions are broadcast so every instance converges
// on the same view within propagation delay. Each instance re-orders its
// delivered jobs through a local bounded priority buffer. Enqueue is a
// request/reply handshake: the receiving instance acknowledges only after
// it has reserved buffer capacity, so a full or absent consumer surfaces
// as ErrQueueFull at the producer instead of a silent drop.
type NATSBackend struct {
	*breakerSet

	nc             *nats.Conn
	prefix         string
	instanceID     string
	enqueueTimeout time.Duration
	logger         arbor.ILogger

	mu    sync.Mutex
	pq    jobHeap
	seq   uint64
	slots chan struct{}
	items chan struct{}

	jobsSub    *nats.Subscription
	breakerSub *nats.Subscription

	closed    chan struct{}
	closeOnce sync.Once
}

// NewNATSBackend connects to the NATS server and wires the jobs, results
// and breaker subjects.
func NewNATSBackend(opts NATSOptions) (*NATSBackend, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name("trendpipe-"+opts.InstanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", opts.URL, err)
	}

	timeout := opts.EnqueueTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	b := &NATSBackend{
		breakerSet:     newBreakerSet(opts.FailureThreshold, opts.OpenWindow),
		nc:             nc,
		prefix:         opts.SubjectPrefix,
		instanceID:     opts.InstanceID,
		enqueueTimeout: timeout,
		logger:         common.GetLogger(),
		slots:          make(chan struct{}, opts.QueueMaxSize),
		items:          make(chan struct{}, opts.QueueMaxSize),
		closed:         make(chan struct{}),
	}

	b.breakerSet.onTransition = b.broadcastTransition

	b.jobsSub, err = nc.QueueSubscribe(b.subject("scrape.jobs"), jobsQueueGroup, b.handleJobMessage)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to jobs subject: %w", err)
	}
	// Bound the client-side pending buffer too; requests beyond it time out
	// at the producer rather than piling up here.
	if err := b.jobsSub.SetPendingLimits(opts.QueueMaxSize*2, -1); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to bound jobs subscription pending buffer")
	}

	b.breakerSub, err = nc.Subscribe(b.subject("breaker.*"), b.handleBreakerEvent)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to breaker subject: %w", err)
	}

	return b, nil
}

func (b *NATSBackend) subject(parts string) string {
	return b.prefix + "." + parts
}

func (b *NATSBackend) handleJobMessage(msg *nats.Msg) {
	resp := b.acceptJob(msg.Data)
	if resp == nil || msg.Reply == "" {
		return
	}
	if err := msg.Respond(resp); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to acknowledge scrape job")
	}
}

// acceptJob reserves a buffer slot for a delivered job. A malformed payload
// or a buffer that stays full past the enqueue timeout is rejected; nil
// means the backend is closed and no reply should be sent.
func (b *NATSBackend) acceptJob(data []byte) []byte {
	var job models.ScrapeJob
	if err := json.Unmarshal(data, &job); err != nil {
		b.logger.Warn().Err(err).Msg("Rejecting malformed scrape job message")
		return []byte(ackReject)
	}

	timer := time.NewTimer(b.enqueueTimeout)
	defer timer.Stop()
	select {
	case b.slots <- struct{}{}:
	case <-timer.C:
		return []byte(ackReject)
	case <-b.closed:
		return nil
	}

	b.mu.Lock()
	b.seq++
	heap.Push(&b.pq, &queuedJob{job: &job, seq: b.seq})
	b.mu.Unlock()
	b.items <- struct{}{}
	return []byte(ackAccept)
}

// Enqueue publishes the job and waits for a consumer acknowledgement. No
// responder, a rejection or a timeout all surface as ErrQueueFull so the
// caller sees backpressure instead of losing the job.
func (b *NATSBackend) Enqueue(ctx context.Context, job *models.ScrapeJob) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	job.EnqueuedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal scrape job: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.enqueueTimeout+time.Second)
	defer cancel()
	msg, err := b.nc.RequestWithContext(reqCtx, b.subject("scrape.jobs"), data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return ErrQueueFull
		}
		return fmt.Errorf("failed to publish scrape job: %w", err)
	}
	if string(msg.Data) != ackAccept {
		return ErrQueueFull
	}
	return nil
}

func (b *NATSBackend) Dequeue(ctx context.Context) (*models.ScrapeJob, error) {
	select {
	case <-b.items:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.closed:
		return nil, ErrClosed
	}

	b.mu.Lock()
	qj := heap.Pop(&b.pq).(*queuedJob)
	b.mu.Unlock()

	<-b.slots
	return qj.job, nil
}

func (b *NATSBackend) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pq.Len()
}

func (b *NATSBackend) Acquire(source string) (bool, error) {
	return b.acquire(source)
}

func (b *NATSBackend) ReportSuccess(source string, probe bool) {
	b.reportSuccess(source, probe)
}

func (b *NATSBackend) ReportFailure(source string, probe bool) {
	b.reportFailure(source, probe)
}

func (b *NATSBackend) BreakerSnapshot(source string) BreakerSnapshot {
	return b.snapshot(source)
}

func (b *NATSBackend) broadcastTransition(snap BreakerSnapshot) {
	event := breakerEvent{Origin: b.instanceID, Snapshot: snap}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := b.nc.Publish(b.subject("breaker."+snap.Source), data); err != nil {
		b.logger.Warn().Err(err).
			Str("source", snap.Source).
			Msg("Failed to broadcast breaker transition")
	}
}

func (b *NATSBackend) handleBreakerEvent(msg *nats.Msg) {
	var event breakerEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return
	}
	if event.Origin == b.instanceID {
		return
	}
	b.applyRemote(event.Snapshot)
	b.logger.Debug().
		Str("source", event.Snapshot.Source).
		Str("state", event.Snapshot.State).
		Str("origin", event.Origin).
		Msg("Applied remote breaker transition")
}

func (b *NATSBackend) PublishResult(ctx context.Context, result *models.ScrapeResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal scrape result: %w", err)
	}
	return b.nc.Publish(b.subject("scrape.results."+result.RunID), data)
}

func (b *NATSBackend) SubscribeResults(runID string) (<-chan *models.ScrapeResult, func(), error) {
	ch := make(chan *models.ScrapeResult, 64)
	sub, err := b.nc.Subscribe(b.subject("scrape.results."+runID), func(msg *nats.Msg) {
		var result models.ScrapeResult
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			return
		}
		select {
		case ch <- &result:
		case <-b.closed:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to results for run %s: %w", runID, err)
	}
	cancel := func() {
		_ = sub.Unsubscribe()
	}
	return ch, cancel, nil
}

func (b *NATSBackend) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		if b.jobsSub != nil {
			_ = b.jobsSub.Unsubscribe()
		}
		if b.breakerSub != nil {
			_ = b.breakerSub.Unsubscribe()
		}
		b.nc.Close()
	})
	return nil
}
