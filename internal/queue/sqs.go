package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue reads sign-out events from a per-instance SQS queue subscribed
// to the sign-out SNS topic. It only consumes; broadcasts go through
// SNSPublisher so every subscribed queue receives them.
type SQSQueue struct {
	client      sqsAPI
	queueURL    string
	maxMessages int32
	waitSeconds int32
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSQSQueueWithConfig(cfg, queueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return newSQSQueue(sqs.NewFromConfig(cfg), queueURL)
}

func newSQSQueue(client sqsAPI, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:      client,
		queueURL:    queueURL,
		maxMessages: 10,
		waitSeconds: 20,
	}
}

func (q *SQSQueue) Name() string {
	return "sqs"
}

func (q *SQSQueue) Receive(ctx context.Context) ([]Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   q.maxMessages,
		WaitTimeSeconds:       q.waitSeconds,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	msgs := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		event, err := decodeEvent(aws.ToString(m.Body))
		if err != nil {
			slog.Warn("failed to unmarshal sign-out event", "error", err)
			// Poison messages are deleted rather than redelivered forever.
			if m.ReceiptHandle != nil {
				_ = q.Ack(ctx, *m.ReceiptHandle)
			}
			continue
		}
		msgs = append(msgs, Message{Event: event, ReceiptHandle: aws.ToString(m.ReceiptHandle)})
	}

	return msgs, nil
}

func (q *SQSQueue) Ack(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	return nil
}

// snsEnvelope is the wrapper SNS adds when delivering to SQS without raw
// message delivery.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

func decodeEvent(body string) (SignOutEvent, error) {
	var env snsEnvelope
	if err := json.Unmarshal([]byte(body), &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = env.Message
	}

	var event SignOutEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return SignOutEvent{}, err
	}
	if err := event.Validate(); err != nil {
		return SignOutEvent{}, err
	}
	return event, nil
}
