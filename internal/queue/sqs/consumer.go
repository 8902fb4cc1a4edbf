package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"leadcast/internal/domain"
)

type Handler[T any] func(ctx context.Context, msg T) error

// Consumer long-polls a queue and decodes each body as T.
type Consumer[T any] struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type (
	BroadcastConsumer = Consumer[domain.BroadcastJob]
	WebhookConsumer   = Consumer[WebhookEvent]
)

// PollConcurrent processes messages with a worker pool. Messages are deleted only after handler completes.
func (c *Consumer[T]) PollConcurrent(ctx context.Context, workers int, handler Handler[T]) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	// Producer: fetch messages and enqueue for workers
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("sqs receive message failed", "err", err, "queue_url", c.QueueURL)
					time.Sleep(500 * time.Millisecond)
				}
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	// Wait for shutdown signal (ctx canceled) or producer signals error
	err := <-errCh

	// Let workers finish whatever is already in `jobs` (channel will be closed by producer)
	wg.Wait()
	return err
}

func (c *Consumer[T]) handle(ctx context.Context, m types.Message, handler Handler[T]) {
	// Poison / invalid messages are deleted so they don't loop forever
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var msg T
	if err := json.Unmarshal([]byte(*m.Body), &msg); err != nil {
		slog.Warn("sqs dropping undecodable message", "err", err, "queue_url", c.QueueURL)
		c.delete(ctx, m)
		return
	}

	if err := handler(ctx, msg); err != nil {
		// do NOT delete => SQS redrive/DLQ handles it
		slog.Error("sqs handler error", "err", err, "queue_url", c.QueueURL)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer[T]) delete(ctx context.Context, m types.Message) {
	// the handler already ran; deletion must not be skipped on shutdown
	if _, err := c.SQS.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		slog.Error("sqs delete message failed", "err", err, "queue_url", c.QueueURL)
	}
}
