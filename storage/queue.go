package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// QueueMessage is one dequeued bus message together with the receipt needed
// to delete it after processing.
type QueueMessage struct {
	ID         string
	PopReceipt string
	Text       string
}

// Queue wraps one azqueue client behind the narrow enqueue/dequeue/delete
// surface the sync consumers and producers need.
type Queue struct {
	client *azqueue.QueueClient
}

// NewQueue creates a Queue client for the named queue.
func NewQueue(connStr, name string) (*Queue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return &Queue{client: client}, nil
}

// Enqueue appends one message.
func (q *Queue) Enqueue(ctx context.Context, text string) error {
	_, err := q.client.EnqueueMessage(ctx, text, nil)
	return err
}

// Dequeue pulls up to max messages, hiding them for the visibility window.
// A message not deleted before the window lapses is redelivered.
func (q *Queue) Dequeue(ctx context.Context, max int32, visibility time.Duration) ([]QueueMessage, error) {
	vt := int32(visibility / time.Second)
	opts := &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &max,
		VisibilityTimeout: &vt,
	}
	resp, err := q.client.DequeueMessages(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]QueueMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m.MessageID == nil || m.PopReceipt == nil || m.MessageText == nil {
			continue
		}
		out = append(out, QueueMessage{
			ID:         *m.MessageID,
			PopReceipt: *m.PopReceipt,
			Text:       *m.MessageText,
		})
	}
	return out, nil
}

// Delete acknowledges a processed message.
func (q *Queue) Delete(ctx context.Context, id, popReceipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, popReceipt, nil)
	return err
}
