package tracking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
)

// SQSReceiver is the part of *sqs.Client the redriver needs.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Submitter accepts an event for a fresh round of delivery attempts.
// *dispatch.Dispatcher implements it.
type Submitter interface {
	Submit(evt domain.TrackingEvent) error
}

// Redriver drains the dead-letter queue back into the dispatcher once the
// cause (an expired token, an outage) is fixed. Events keep their ids, so
// one that did reach Meta earlier is deduplicated there.
type Redriver struct {
	client   SQSReceiver
	queueURL string
	target   Submitter
	wait     int32
	done     chan struct{}
}

func NewRedriver(client SQSReceiver, queueURL string, target Submitter) *Redriver {
	return &Redriver{
		client:   client,
		queueURL: queueURL,
		target:   target,
		wait:     20,
		done:     make(chan struct{}),
	}
}

func (c *Redriver) Start(ctx context.Context) {
	logger.Info("dead_letter_redrive_started", "queue", c.queueURL)
	go c.poll(ctx)
}

func (c *Redriver) Stop() {
	close(c.done)
}

func (c *Redriver) poll(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		n, err := c.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("dead_letter_receive_failed", "error", err.Error())
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if n > 0 {
			logger.Info("dead_letters_redriven", "count", n)
		}
	}
}

// RunOnce receives one batch and resubmits it. Messages are deleted only
// after the dispatcher accepted them; unreadable ones are deleted as well.
func (c *Redriver) RunOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.wait,
	})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, msg := range out.Messages {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &dl); err != nil || dl.Attempt.Event.ID == "" {
			logger.Warn("dead_letter_bad_message", "message_id", aws.ToString(msg.MessageId))
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}
		if err := c.target.Submit(dl.Attempt.Event); err != nil {
			logger.Warn("dead_letter_redrive_rejected", "event_id", dl.Attempt.Event.ID, "error", err.Error())
			continue
		}
		c.deleteMessage(ctx, msg.ReceiptHandle)
		n++
	}
	return n, nil
}

func (c *Redriver) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("dead_letter_delete_failed", "error", err.Error())
	}
}
