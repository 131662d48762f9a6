package sync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"charsync/domain"
	"charsync/storage"
)

type fakeQueue struct {
	mu      sync.Mutex
	pending []storage.QueueMessage
	deleted []string
	nextID  int
}

func (q *fakeQueue) Enqueue(_ context.Context, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	q.pending = append(q.pending, storage.QueueMessage{
		ID:         strconv.Itoa(q.nextID),
		PopReceipt: "pop-" + strconv.Itoa(q.nextID),
		Text:       text,
	})
	return nil
}

func (q *fakeQueue) Dequeue(_ context.Context, max int32, _ time.Duration) ([]storage.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int(max)
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := make([]storage.QueueMessage, n)
	copy(out, q.pending[:n])
	q.pending = q.pending[n:]
	return out, nil
}

func (q *fakeQueue) Delete(_ context.Context, id, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, id)
	return nil
}

func (q *fakeQueue) messages() []domain.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Message, 0, len(q.pending))
	for _, qm := range q.pending {
		var m domain.Message
		if err := sonic.UnmarshalString(qm.Text, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (q *fakeQueue) deletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted)
}

func enqueueMessage(t *testing.T, q *fakeQueue, m domain.Message) {
	t.Helper()
	data, err := sonic.MarshalString(m)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	if err := q.Enqueue(context.Background(), data); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2.0, MaxDelay: 2 * time.Millisecond}
}

func consumerTestConfig() ConsumerConfig {
	return ConsumerConfig{PollInterval: 5 * time.Millisecond, Visibility: time.Second, BatchSize: 8}
}

func runConsumerUntil(t *testing.T, c *Consumer, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	waitFor(t, 2*time.Second, cond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("consumer did not stop")
	}
}

func TestConsumerDispatchesAndReplies(t *testing.T) {
	store := newFakeControlStore()
	store.metadata["char1|camp1"] = domain.SyncMetadata{
		CharacterID:      "char1",
		CampaignID:       "camp1",
		CharacterVersion: 4,
		CampaignVersion:  2,
	}
	h := NewHandler(&fakeResolver{}, store, nil, nil, log.New())

	in := &fakeQueue{}
	out := &fakeQueue{}
	c := NewConsumer(h,
		map[domain.MessageType]Queue{domain.MessageVersionQuery: in},
		NewRouter(map[domain.MessageType]Queue{domain.MessageVersionInfo: out}),
		fastRetryPolicy(), consumerTestConfig(), log.New())

	query := domain.NewMessage(domain.MessageVersionQuery)
	query.CharacterID = "char1"
	query.CampaignID = "camp1"
	enqueueMessage(t, in, query)

	runConsumerUntil(t, c, func() bool { return len(out.messages()) == 1 })

	reply := out.messages()[0]
	if reply.Type != domain.MessageVersionInfo {
		t.Fatalf("unexpected reply type: %s", reply.Type)
	}
	if reply.Metadata[domain.MetaCorrelationID] != query.ID {
		t.Fatalf("reply not correlated: %+v", reply.Metadata)
	}
	if in.deletedCount() != 1 {
		t.Fatalf("consumed message not deleted")
	}
}

func TestConsumerConvertsValidationFailureToErrorReply(t *testing.T) {
	h := NewHandler(&fakeResolver{}, newFakeControlStore(), nil, nil, log.New())

	in := &fakeQueue{}
	errQueue := &fakeQueue{}
	c := NewConsumer(h,
		map[domain.MessageType]Queue{domain.MessageCampaignStateUpdate: in},
		NewRouter(map[domain.MessageType]Queue{domain.MessageCampaignStateError: errQueue}),
		fastRetryPolicy(), consumerTestConfig(), log.New())

	// Missing characterId: permanently invalid.
	bad := domain.NewMessage(domain.MessageCampaignStateUpdate)
	bad.CampaignID = "camp1"
	bad.StateData = []byte(`{}`)
	enqueueMessage(t, in, bad)

	runConsumerUntil(t, c, func() bool { return len(errQueue.messages()) == 1 })

	errMsg := errQueue.messages()[0]
	if errMsg.Type != domain.MessageCampaignStateError {
		t.Fatalf("unexpected error type: %s", errMsg.Type)
	}
	if errMsg.Metadata[domain.MetaCorrelationID] != bad.ID {
		t.Fatalf("error not correlated: %+v", errMsg.Metadata)
	}
	if errMsg.Metadata["error"] == "" {
		t.Fatalf("error detail missing: %+v", errMsg.Metadata)
	}
	if in.deletedCount() != 1 {
		t.Fatalf("invalid message should be deleted, not redelivered")
	}
}

func TestConsumerLeavesRetryableFailuresForRedelivery(t *testing.T) {
	resolver := &fakeResolver{resolveErr: &domain.SyncError{Op: "load metadata", Err: errors.New("table timeout")}}
	store := newFakeControlStore()
	store.subscriptions["char1|camp1"] = domain.SyncSubscription{
		CharacterID: "char1",
		CampaignID:  "camp1",
		Direction:   domain.DirectionBidirectional,
	}
	h := NewHandler(resolver, store, nil, nil, log.New())

	in := &fakeQueue{}
	errQueue := &fakeQueue{}
	c := NewConsumer(h,
		map[domain.MessageType]Queue{domain.MessageCampaignStateUpdate: in},
		NewRouter(map[domain.MessageType]Queue{domain.MessageCampaignStateError: errQueue}),
		fastRetryPolicy(), consumerTestConfig(), log.New())

	msg := domain.NewMessage(domain.MessageCampaignStateUpdate)
	msg.CharacterID = "char1"
	msg.CampaignID = "camp1"
	msg.Version = 2
	msg = mustWithState(t, msg, domain.State{"hit_points": 12})
	enqueueMessage(t, in, msg)

	// Both retry attempts run, then the message is abandoned for the
	// transport to redeliver after the visibility timeout.
	runConsumerUntil(t, c, func() bool { return resolver.resolveCalls.Load() >= 2 })

	if in.deletedCount() != 0 {
		t.Fatalf("retryable failure must not delete the message")
	}
	if len(errQueue.messages()) != 0 {
		t.Fatalf("retryable failure must not emit an error reply")
	}
}

func TestConsumerDropsPoisonMessages(t *testing.T) {
	h := NewHandler(&fakeResolver{}, newFakeControlStore(), nil, nil, log.New())
	in := &fakeQueue{}
	c := NewConsumer(h,
		map[domain.MessageType]Queue{domain.MessageSyncControl: in},
		NewRouter(map[domain.MessageType]Queue{}),
		fastRetryPolicy(), consumerTestConfig(), log.New())

	if err := in.Enqueue(context.Background(), "{not a message"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	runConsumerUntil(t, c, func() bool { return in.deletedCount() == 1 })
}

func TestRouterRejectsUnroutedType(t *testing.T) {
	r := NewRouter(map[domain.MessageType]Queue{})
	err := r.Publish(context.Background(), domain.NewMessage(domain.MessageCharacterState))
	var msgErr *domain.MessageError
	if !errors.As(err, &msgErr) {
		t.Fatalf("expected MessageError, got %v", err)
	}
}

func TestRouterDeliversToTypedQueue(t *testing.T) {
	q := &fakeQueue{}
	r := NewRouter(map[domain.MessageType]Queue{domain.MessageCharacterState: q})
	m := domain.NewMessage(domain.MessageCharacterState)
	if err := r.Publish(context.Background(), m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := q.messages()
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("message not delivered: %+v", got)
	}
}
