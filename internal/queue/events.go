// Package queue publishes billing events to SQS for downstream consumers
// (receipts, analytics, CRM sync).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"assistantconsole/internal/types"
)

// SQSSender abstracts SendMessage so tests can capture calls.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// BillingEventPublisher sends BillingEvents to one queue. On a FIFO queue
// events are grouped per user and deduplicated on the event id.
type BillingEventPublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewBillingEventPublisher creates a publisher for queueURL.
func NewBillingEventPublisher(client SQSSender, queueURL string, logger *slog.Logger) *BillingEventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingEventPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   logger,
	}
}

// Publish serializes event and sends it.
func (p *BillingEventPublisher) Publish(ctx context.Context, event types.BillingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal billing event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"plan": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Plan)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(event.UserID)
		input.MessageDeduplicationId = aws.String(event.ID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send billing event to %s: %w", p.queueURL, err)
	}

	p.logger.DebugContext(ctx, "billing event sent",
		"event_id", event.ID,
		"event_type", string(event.Type),
		"user_id", event.UserID,
	)
	return nil
}
