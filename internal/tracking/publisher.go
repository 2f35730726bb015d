package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/inkbrow/capi-relay/internal/domain"
)

// SQSSender is the part of *sqs.Client the publisher needs.
type SQSSender interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DeadLetter is the SQS message body for an abandoned delivery.
type DeadLetter struct {
	Attempt     domain.DeliveryAttempt `json:"attempt"`
	Reason      string                 `json:"reason"`
	AbandonedAt time.Time              `json:"abandoned_at"`
}

// DeadLetterPublisher sends abandoned deliveries to an SQS queue. It
// implements dispatch.DeadLetterSink.
type DeadLetterPublisher struct {
	client   SQSSender
	queueURL string
	now      func() time.Time
}

func NewDeadLetterPublisher(client SQSSender, queueURL string) *DeadLetterPublisher {
	return &DeadLetterPublisher{client: client, queueURL: queueURL, now: time.Now}
}

func (p *DeadLetterPublisher) DeadLetter(ctx context.Context, a domain.DeliveryAttempt, reason error) error {
	msg := DeadLetter{Attempt: a, AbandonedAt: p.now().UTC()}
	if reason != nil {
		msg.Reason = reason.Error()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", a.Event.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_id":   {DataType: aws.String("String"), StringValue: aws.String(a.Event.ID)},
			"event_name": {DataType: aws.String("String"), StringValue: aws.String(string(a.Event.Name))},
			"attempts":   {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(a.AttemptNumber))},
		},
	})
	if err != nil {
		return fmt.Errorf("publish dead letter %s: %w", a.Event.ID, err)
	}
	return nil
}
