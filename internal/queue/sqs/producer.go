package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"leadcast/internal/domain"
)

// API is the subset of *sqs.Client the queue code uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const defaultGroupBuckets = 64

// Producer queues broadcast jobs for cmd/worker.
type Producer struct {
	SQS      API
	QueueURL string
	// Buckets spreads leads over FIFO message groups; jobs for one lead
	// always land in the same group.
	Buckets int
}

func (p *Producer) EnqueueBroadcast(ctx context.Context, job domain.BroadcastJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		in.MessageGroupId = str(messageGroupIDBucketed("lead", job.LeadID, p.Buckets))
		in.MessageDeduplicationId = str(job.LeadID)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func messageGroupIDBucketed(scope, key string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s-%d", scope, h.Sum32()%uint32(buckets))
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}

func str(s string) *string { return &s }
