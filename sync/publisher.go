package sync

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"charsync/domain"
)

// Producer publishes one outbound message to its topic.
type Producer interface {
	Publish(ctx context.Context, m domain.Message) error
}

// PublisherConfig tunes the publication manager.
type PublisherConfig struct {
	BufferSize       int
	BatchSize        int
	BatchTimeout     time.Duration
	RetryMaxAttempts int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	PublishTimeout   time.Duration
}

// DefaultPublisherConfig returns the defaults used when fields are zero.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		BufferSize:       1024,
		BatchSize:        32,
		BatchTimeout:     250 * time.Millisecond,
		RetryMaxAttempts: 5,
		RetryInitial:     250 * time.Millisecond,
		RetryMax:         30 * time.Second,
		PublishTimeout:   time.Minute,
	}
}

// Publisher batches, publishes and retries outbound domain messages.
//
// Every message moves through queued, in-flight and one of acknowledged,
// retrying or failed. An id is tracked from Enqueue until it is either
// acknowledged or converted to a terminal error, so enqueueing an id
// already in flight is rejected.
type Publisher struct {
	cfg      PublisherConfig
	producer Producer
	logger   *log.Logger

	workCh chan domain.Message

	mu       sync.Mutex
	inflight map[string]struct{}
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	retryWG  sync.WaitGroup

	published uint64
	failed    uint64
}

// NewPublisher creates a stopped Publisher.
func NewPublisher(cfg PublisherConfig, producer Producer, logger *log.Logger) *Publisher {
	if producer == nil {
		panic("sync.NewPublisher: producer is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	def := DefaultPublisherConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	if cfg.RetryMaxAttempts <= 0 {
		cfg.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	return &Publisher{
		cfg:      cfg,
		producer: producer,
		logger:   logger,
		workCh:   make(chan domain.Message, cfg.BufferSize),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background consumer. Starting twice is a no-op.
func (p *Publisher) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true
	go p.run(ctx, p.done)
}

// Stop cancels the background consumer and awaits it. The queue is not
// drained: undelivered messages stay tracked for a future start. Stopping
// twice is a no-op.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.started = false
	p.mu.Unlock()

	cancel()
	<-done
	p.retryWG.Wait()
}

// Enqueue hands a message to the manager. A message whose id is already in
// flight is rejected with a validation error.
func (p *Publisher) Enqueue(m domain.Message) error {
	if m.ID == "" {
		return &domain.MessageError{Reason: "message id is empty"}
	}
	p.mu.Lock()
	if _, dup := p.inflight[m.ID]; dup {
		p.mu.Unlock()
		return &domain.MessageError{MessageID: m.ID, Reason: "message id already in flight"}
	}
	p.inflight[m.ID] = struct{}{}
	p.mu.Unlock()

	select {
	case p.workCh <- m:
		return nil
	default:
		p.mu.Lock()
		delete(p.inflight, m.ID)
		p.mu.Unlock()
		return &domain.SyncError{Op: "enqueue", Err: errSaturated}
	}
}

// Depth reports how many message ids are currently tracked.
func (p *Publisher) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Publisher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		batch := p.collectBatch(ctx)
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p.publishBatch(ctx, batch)
		if ctx.Err() != nil {
			return
		}
	}
}

// collectBatch blocks for the first available message, then drains more
// until either the batch size is reached or the batch timeout elapses
// since the first pull. This bounds both batch latency and size.
func (p *Publisher) collectBatch(ctx context.Context) []domain.Message {
	var batch []domain.Message
	select {
	case m := <-p.workCh:
		batch = append(batch, m)
	case <-ctx.Done():
		return nil
	}

	timer := time.NewTimer(p.cfg.BatchTimeout)
	defer timer.Stop()
	for len(batch) < p.cfg.BatchSize {
		select {
		case m := <-p.workCh:
			batch = append(batch, m)
		case <-timer.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}

func (p *Publisher) publishBatch(ctx context.Context, batch []domain.Message) {
	metrics := newBatchMetrics(p.logger, len(batch))
	for _, m := range batch {
		if ctx.Err() != nil {
			// Shutdown mid-batch: the rest stays tracked, not lost.
			return
		}
		p.publishOne(ctx, m, metrics)
	}
	metrics.Log()
}

func (p *Publisher) publishOne(ctx context.Context, m domain.Message, metrics *batchMetrics) {
	if m.RetryCount >= p.cfg.RetryMaxAttempts {
		p.terminate(ctx, m)
		metrics.Failed++
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	err := p.producer.Publish(pubCtx, m)
	cancel()
	if err != nil {
		m.RetryCount++
		p.logger.WithError(err).WithFields(log.Fields{
			"message":    m.ID,
			"type":       m.Type,
			"retryCount": m.RetryCount,
		}).Error("publish failed")
		p.scheduleRetry(ctx, m)
		metrics.Retried++
		return
	}

	p.mu.Lock()
	delete(p.inflight, m.ID)
	p.published++
	p.mu.Unlock()
	metrics.Published++
}

// terminate converts a message that exhausted its retries into a terminal
// error message. It is never retried again.
func (p *Publisher) terminate(ctx context.Context, m domain.Message) {
	p.mu.Lock()
	delete(p.inflight, m.ID)
	p.failed++
	p.mu.Unlock()

	errMsg := m.Reply(domain.MessageSyncError)
	errMsg.Metadata["error"] = "retry attempts exhausted"
	errMsg.Metadata["failedType"] = string(m.Type)
	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	if err := p.producer.Publish(pubCtx, errMsg); err != nil {
		p.logger.WithError(err).WithField("message", m.ID).Error("failed to publish terminal error message")
	}
}

// scheduleRetry re-queues the message after its backoff delay,
// min(initial * 2^retryCount, max). The id stays in flight throughout.
func (p *Publisher) scheduleRetry(ctx context.Context, m domain.Message) {
	delay := backoffDelay(m.RetryCount, p.cfg.RetryInitial, p.cfg.RetryMax)
	p.retryWG.Add(1)
	go func() {
		defer p.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case p.workCh <- m:
			case <-ctx.Done():
				p.requeue(m)
			}
		case <-ctx.Done():
			// Shutting down: park the message back on the queue so a
			// later Start resumes it.
			p.requeue(m)
		}
	}()
}

func (p *Publisher) requeue(m domain.Message) {
	select {
	case p.workCh <- m:
	default:
		p.mu.Lock()
		delete(p.inflight, m.ID)
		p.failed++
		p.mu.Unlock()
		p.logger.WithField("message", m.ID).Error("dropped message: queue saturated during shutdown")
	}
}

// Stats returns published/failed counters for the admin surface.
func (p *Publisher) Stats() (published, failed uint64, depth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.failed, len(p.inflight)
}

func backoffDelay(retryCount int, initial, max time.Duration) time.Duration {
	if retryCount <= 0 {
		return initial
	}
	delay := float64(initial) * math.Pow(2, float64(retryCount))
	if delay > float64(max) {
		return max
	}
	return time.Duration(delay)
}

type saturatedError struct{}

func (saturatedError) Error() string { return "publisher queue is saturated" }

var errSaturated = saturatedError{}
