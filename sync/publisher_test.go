package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"charsync/domain"
)

type fakeProducer struct {
	mu       sync.Mutex
	messages []domain.Message
	failFor  map[string]int
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{failFor: make(map[string]int)}
}

func (f *fakeProducer) Publish(_ context.Context, m domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failFor[m.ID]; n > 0 {
		f.failFor[m.ID] = n - 1
		return errors.New("transport down")
	}
	f.messages = append(f.messages, m)
	return nil
}

func (f *fakeProducer) published() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testPublisherConfig() PublisherConfig {
	return PublisherConfig{
		BufferSize:       64,
		BatchSize:        4,
		BatchTimeout:     10 * time.Millisecond,
		RetryMaxAttempts: 3,
		RetryInitial:     time.Millisecond,
		RetryMax:         5 * time.Millisecond,
		PublishTimeout:   time.Second,
	}
}

func TestPublisherDeliversEnqueuedMessages(t *testing.T) {
	producer := newFakeProducer()
	p := NewPublisher(testPublisherConfig(), producer, log.New())
	p.Start()
	defer p.Stop()

	for i := 0; i < 10; i++ {
		m := domain.NewMessage(domain.MessageCharacterState)
		if err := p.Enqueue(m); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return len(producer.published()) == 10 })

	published, failed, depth := p.Stats()
	if published != 10 || failed != 0 || depth != 0 {
		t.Fatalf("unexpected stats: published=%d failed=%d depth=%d", published, failed, depth)
	}
}

func TestPublisherRejectsDuplicateInFlightID(t *testing.T) {
	producer := newFakeProducer()
	p := NewPublisher(testPublisherConfig(), producer, log.New())

	m := domain.NewMessage(domain.MessageCharacterState)
	if err := p.Enqueue(m); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := p.Enqueue(m)
	var msgErr *domain.MessageError
	if !errors.As(err, &msgErr) {
		t.Fatalf("expected MessageError, got %v", err)
	}
}

func TestPublisherRejectsEmptyID(t *testing.T) {
	p := NewPublisher(testPublisherConfig(), newFakeProducer(), log.New())
	err := p.Enqueue(domain.Message{Type: domain.MessageCharacterState})
	var msgErr *domain.MessageError
	if !errors.As(err, &msgErr) {
		t.Fatalf("expected MessageError, got %v", err)
	}
}

func TestPublisherRetriesTransientFailure(t *testing.T) {
	producer := newFakeProducer()
	p := NewPublisher(testPublisherConfig(), producer, log.New())

	m := domain.NewMessage(domain.MessageCharacterState)
	producer.failFor[m.ID] = 2
	p.Start()
	defer p.Stop()

	if err := p.Enqueue(m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, got := range producer.published() {
			if got.ID == m.ID {
				return true
			}
		}
		return false
	})
	published, failed, _ := p.Stats()
	if published != 1 || failed != 0 {
		t.Fatalf("unexpected stats: published=%d failed=%d", published, failed)
	}
}

func TestPublisherExhaustedRetriesYieldTerminalError(t *testing.T) {
	producer := newFakeProducer()
	p := NewPublisher(testPublisherConfig(), producer, log.New())

	m := domain.NewMessage(domain.MessageCharacterState)
	m.CharacterID = "char1"
	producer.failFor[m.ID] = 100
	p.Start()
	defer p.Stop()

	if err := p.Enqueue(m); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var terminal domain.Message
	waitFor(t, 2*time.Second, func() bool {
		for _, got := range producer.published() {
			if got.Type == domain.MessageSyncError {
				terminal = got
				return true
			}
		}
		return false
	})
	if terminal.Metadata[domain.MetaCorrelationID] != m.ID {
		t.Fatalf("terminal error not correlated: %+v", terminal.Metadata)
	}
	if terminal.Metadata["failedType"] != string(domain.MessageCharacterState) {
		t.Fatalf("failed type missing: %+v", terminal.Metadata)
	}
	waitFor(t, time.Second, func() bool {
		_, failed, depth := p.Stats()
		return failed == 1 && depth == 0
	})
}

func TestPublisherBatchesRespectConfiguredSize(t *testing.T) {
	producer := newFakeProducer()
	logger, hook := test.NewNullLogger()
	p := NewPublisher(testPublisherConfig(), producer, logger)

	// Queue everything before starting so the first batch can fill.
	for i := 0; i < 9; i++ {
		if err := p.Enqueue(domain.NewMessage(domain.MessageCharacterState)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	p.Start()
	defer p.Stop()
	waitFor(t, time.Second, func() bool { return len(producer.published()) == 9 })

	for _, entry := range hook.AllEntries() {
		if entry.Message != "publisher.batch.metrics" {
			continue
		}
		size, ok := entry.Data["batch_size"].(int)
		if !ok {
			t.Fatalf("batch_size missing: %+v", entry.Data)
		}
		if size > 4 {
			t.Fatalf("batch exceeded configured size: %d", size)
		}
	}
}

func TestPublisherStartStopAreIdempotent(t *testing.T) {
	p := NewPublisher(testPublisherConfig(), newFakeProducer(), log.New())
	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
}

func TestPublisherSaturationIsReported(t *testing.T) {
	cfg := testPublisherConfig()
	cfg.BufferSize = 1
	p := NewPublisher(cfg, newFakeProducer(), log.New())

	if err := p.Enqueue(domain.NewMessage(domain.MessageCharacterState)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := p.Enqueue(domain.NewMessage(domain.MessageCharacterState))
	var syncErr *domain.SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("expected SyncError, got %v", err)
	}
	// The rejected id must be reusable.
	if p.Depth() != 1 {
		t.Fatalf("rejected message left tracked: depth=%d", p.Depth())
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	initial := 100 * time.Millisecond
	max := time.Second
	if got := backoffDelay(0, initial, max); got != initial {
		t.Fatalf("unexpected first delay: %v", got)
	}
	if got := backoffDelay(1, initial, max); got != 200*time.Millisecond {
		t.Fatalf("unexpected second delay: %v", got)
	}
	if got := backoffDelay(10, initial, max); got != max {
		t.Fatalf("delay not capped: %v", got)
	}
}
