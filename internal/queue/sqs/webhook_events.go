package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"leadcast/internal/domain"
)

const (
	KindMessage = "message"
	KindStatus  = "status"
)

// WebhookEvent is an internal envelope for verified provider callbacks.
// Keep it small; SQS has a 256KB message size limit.
type WebhookEvent struct {
	Kind       string               `json:"kind"`
	Message    *domain.MessageEvent `json:"message,omitempty"`
	Status     *domain.StatusEvent  `json:"status,omitempty"`
	ReceivedAt time.Time            `json:"receivedAt"`
}

func (e WebhookEvent) sid() string {
	switch {
	case e.Message != nil:
		return e.Message.MessageSID
	case e.Status != nil:
		return e.Status.MessageSID
	}
	return ""
}

func (e WebhookEvent) dedupID() string {
	if e.Status != nil {
		return e.Kind + "-" + e.Status.MessageSID + "-" + e.Status.Status
	}
	return e.Kind + "-" + e.sid()
}

type WebhookProducer struct {
	SQS      API
	QueueURL string
}

func (p *WebhookProducer) Enqueue(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if isFIFO(p.QueueURL) {
		// a sid always maps to the same group, keeping its callbacks ordered
		in.MessageGroupId = str(messageGroupIDBucketed(ev.Kind, ev.sid(), 0))
		in.MessageDeduplicationId = str(ev.dedupID())
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}
