package sync

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"charsync/domain"
	"charsync/storage"
)

// Queue is the narrow bus surface the consumer needs, satisfied by
// *storage.Queue and by in-memory fakes in tests.
type Queue interface {
	Enqueue(ctx context.Context, text string) error
	Dequeue(ctx context.Context, max int32, visibility time.Duration) ([]storage.QueueMessage, error)
	Delete(ctx context.Context, id, popReceipt string) error
}

// ConsumerConfig tunes the queue polling loops.
type ConsumerConfig struct {
	PollInterval time.Duration
	Visibility   time.Duration
	BatchSize    int32
}

// DefaultConsumerConfig returns the defaults used when fields are zero.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		PollInterval: time.Second,
		Visibility:   30 * time.Second,
		BatchSize:    16,
	}
}

// Consumer multiplexes the four consumed topics onto the Handler and
// routes replies back out. Handler failures are isolated per message: a
// retryable error leaves the message for transport redelivery, anything
// else becomes a correlated error message on the matching error topic.
type Consumer struct {
	handler *Handler
	inbound map[domain.MessageType]Queue
	routes  *Router
	retry   RetryPolicy
	cfg     ConsumerConfig
	logger  *log.Logger
}

// NewConsumer wires a Consumer over the given inbound queues.
func NewConsumer(handler *Handler, inbound map[domain.MessageType]Queue, routes *Router, retry RetryPolicy, cfg ConsumerConfig, logger *log.Logger) *Consumer {
	if handler == nil {
		panic("sync.NewConsumer: handler is nil")
	}
	if routes == nil {
		panic("sync.NewConsumer: routes is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	def := DefaultConsumerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = def.Visibility
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Consumer{
		handler: handler,
		inbound: inbound,
		routes:  routes,
		retry:   retry,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run polls every inbound queue until the context is canceled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for msgType, q := range c.inbound {
		wg.Add(1)
		go func(t domain.MessageType, q Queue) {
			defer wg.Done()
			c.consume(ctx, t, q)
		}(msgType, q)
	}
	wg.Wait()
}

func (c *Consumer) consume(ctx context.Context, topic domain.MessageType, q Queue) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := q.Dequeue(ctx, c.cfg.BatchSize, c.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.WithError(err).WithField("topic", topic).Error("dequeue failed")
			c.sleep(ctx)
			continue
		}
		if len(msgs) == 0 {
			c.sleep(ctx)
			continue
		}
		for _, qm := range msgs {
			c.process(ctx, topic, q, qm)
		}
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-time.After(c.cfg.PollInterval):
	case <-ctx.Done():
	}
}

// process runs one bus message through its handler. Within one queue
// messages are handled in arrival order, so changes for a given pair are
// applied in the order they were sent.
func (c *Consumer) process(ctx context.Context, topic domain.MessageType, q Queue, qm storage.QueueMessage) {
	var msg domain.Message
	if err := sonic.UnmarshalString(qm.Text, &msg); err != nil {
		// Poison message: delete, there is nothing to correlate to.
		c.logger.WithError(err).WithField("topic", topic).Error("undecodable message dropped")
		c.delete(ctx, q, qm)
		return
	}

	metrics, spanCtx := newMessageMetrics(ctx, c.logger, msg)
	reply, err := c.dispatch(spanCtx, msg)
	metrics.Log(err)

	if err != nil {
		if Retryable(err) {
			// Leave the message hidden; the visibility timeout will
			// redeliver it for another attempt.
			return
		}
		c.emitError(ctx, msg, err)
		c.delete(ctx, q, qm)
		return
	}

	if reply.Type != "" {
		if err := c.routes.Send(ctx, reply); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"message": reply.ID,
				"type":    reply.Type,
			}).Error("reply publish failed")
			// Keep the message for redelivery so the reply is not lost.
			return
		}
	}
	c.delete(ctx, q, qm)
}

// dispatch matches the tagged message type exhaustively onto a handler.
func (c *Consumer) dispatch(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var handle func(context.Context, domain.Message) (domain.Message, error)
	switch msg.Type {
	case domain.MessageCampaignStateUpdate:
		handle = c.handler.HandleCampaignStateUpdate
	case domain.MessageCharacterStateChange:
		handle = c.handler.HandleCharacterStateChange
	case domain.MessageSyncControl:
		handle = c.handler.HandleSyncControl
	case domain.MessageVersionQuery:
		handle = c.handler.HandleVersionQuery
	default:
		return domain.Message{}, &domain.MessageError{MessageID: msg.ID, Reason: "unknown message type " + string(msg.Type)}
	}

	var reply domain.Message
	err := c.retry.Execute(ctx, func() error {
		var herr error
		reply, herr = handle(ctx, msg)
		return herr
	})
	return reply, err
}

// emitError converts a handler failure into a correlated error message on
// the matching error topic.
func (c *Consumer) emitError(ctx context.Context, msg domain.Message, cause error) {
	errType := domain.MessageSyncError
	if msg.Type == domain.MessageCampaignStateUpdate {
		errType = domain.MessageCampaignStateError
	}
	if err := c.routes.Send(ctx, msg.ErrorReply(errType, cause)); err != nil {
		c.logger.WithError(err).WithField("message", msg.ID).Error("error reply publish failed")
	}
}

func (c *Consumer) delete(ctx context.Context, q Queue, qm storage.QueueMessage) {
	if err := q.Delete(ctx, qm.ID, qm.PopReceipt); err != nil {
		c.logger.WithError(err).WithField("queueMessage", qm.ID).Error("delete failed")
	}
}

// Router maps produced message types onto their outbound queues. The
// publication manager uses it as its Producer.
type Router struct {
	queues map[domain.MessageType]Queue
}

// NewRouter creates a Router over the given outbound queues.
func NewRouter(queues map[domain.MessageType]Queue) *Router {
	return &Router{queues: queues}
}

// Send publishes a message to the queue registered for its type.
func (r *Router) Send(ctx context.Context, m domain.Message) error {
	q, ok := r.queues[m.Type]
	if !ok {
		return &domain.MessageError{MessageID: m.ID, Reason: "no route for message type " + string(m.Type)}
	}
	data, err := sonic.MarshalString(m)
	if err != nil {
		return &domain.SyncError{Op: "encode message", Err: err}
	}
	return q.Enqueue(ctx, data)
}

// Publish implements Producer for the publication manager.
func (r *Router) Publish(ctx context.Context, m domain.Message) error {
	return r.Send(ctx, m)
}
