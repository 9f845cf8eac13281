package queue

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/anthive/orchestrator/common/faults"
)

// SQSQueue backs the queue primitive with an SQS queue. SQS leases map
// directly: receipt handles carry the visibility timeout, Extend is
// ChangeMessageVisibility, Delete consumes.
type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	waitTime time.Duration
	log      Logger
}

// NewSQSQueue creates an SQS-backed queue
func NewSQSQueue(client *sqs.Client, queueURL string, waitTime time.Duration, log Logger) *SQSQueue {
	if waitTime <= 0 || waitTime > 20*time.Second {
		waitTime = 5 * time.Second
	}
	return &SQSQueue{
		client:   client,
		queueURL: queueURL,
		waitTime: waitTime,
		log:      log,
	}
}

// Send enqueues a message body
func (q *SQSQueue) Send(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return faults.Transient(err, "send to sqs queue")
	}
	return nil
}

// Receive long-polls for up to max messages, leased for visibility
func (q *SQSQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if max < 1 {
		max = 1
	}
	if max > 10 {
		max = 10 // SQS batch ceiling
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     int32(q.waitTime / time.Second),
		VisibilityTimeout:   int32(visibility / time.Second),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Transient(err, "receive from sqs queue")
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			ID:      aws.ToString(m.MessageId),
			Body:    []byte(aws.ToString(m.Body)),
			Receipt: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Delete consumes a leased message
func (q *SQSQueue) Delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return faults.Transient(err, "delete sqs message")
	}
	return nil
}

// Extend renews the lease on a message
func (q *SQSQueue) Extend(ctx context.Context, receipt string, visibility time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: int32(visibility / time.Second),
	})
	if err != nil {
		return faults.Transient(err, "extend sqs visibility")
	}
	return nil
}

// Close is a no-op; the SQS client is shared and owned elsewhere
func (q *SQSQueue) Close() error {
	return nil
}

// Health reports backend reachability
func (q *SQSQueue) Health(ctx context.Context) error {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(q.queueURL),
	})
	if err != nil {
		return faults.Transient(err, "query sqs queue attributes")
	}
	return nil
}
