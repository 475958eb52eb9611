// Package sqs adapts Amazon SQS to the pull broker contract. Each
// topic/subscription pair is one queue, the receipt handle is the lock
// token and ApproximateReceiveCount is the delivery count.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/drblury/gridflow/broker"
	"github.com/drblury/gridflow/internal/runtime/envelope"
	"github.com/drblury/gridflow/internal/runtime/logging"
)

// SQS service limits.
const (
	MaxBatchSize      = 10
	MaxWaitTime       = 20 * time.Second
	MaxVisibility     = 12 * time.Hour
	DefaultPoisonName = "gridflow-poison"
)

// Message attribute names written and read by the adapter.
const (
	AttrSchema        = "gridflow_schema"
	AttrOriginalQueue = "gridflow_original_queue"
	AttrDeliveryCount = "gridflow_delivery_count"
)

// API is the subset of *sqs.Client the adapter calls.
type API interface {
	GetQueueUrl(ctx context.Context, in *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *amazonsqs.DeleteMessageBatchInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, in *amazonsqs.ChangeMessageVisibilityBatchInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityBatchOutput, error)
	SendMessage(ctx context.Context, in *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
}

// Config holds the AWS connection settings used by Open.
type Config struct {
	Region          string
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint optionally points to a custom endpoint (for example LocalStack).
	Endpoint string
}

// Options configure a Broker.
type Options struct {
	// QueueName maps a topic/subscription pair to a queue name. Defaults to
	// "<topic>-<subscription>".
	QueueName func(topic, subscription string) string
	// PoisonQueue receives rejected events.
	PoisonQueue string
	// AccountID selects the queue owner for cross-account queues.
	AccountID string
	// VisibilityTimeout overrides the queue's visibility timeout on receive.
	VisibilityTimeout time.Duration
	Logger            logging.ServiceLogger
}

type inflight struct {
	body          []byte
	schema        envelope.Schema
	deliveryCount int
	receivedAt    time.Time
}

// Broker implements broker.Client on SQS.
type Broker struct {
	api    API
	opts   Options
	logger logging.ServiceLogger

	mu       sync.Mutex
	urls     map[string]string
	inflight map[string]inflight
}

var _ broker.Client = (*Broker)(nil)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// Open loads the AWS configuration and creates an SQS client.
func Open(ctx context.Context, conf Config, opts Options) (*Broker, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if conf.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(conf.Region))
	}
	if conf.AccessKeyID != "" && conf.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessKeyID, conf.SecretAccessKey, ""),
		))
	}
	awsCfg, err := DefaultConfigLoader(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: load AWS config: %w", err)
	}
	if conf.Region != "" {
		awsCfg.Region = conf.Region
	}

	client := amazonsqs.NewFromConfig(awsCfg, func(o *amazonsqs.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
		}
	})
	if opts.AccountID == "" {
		opts.AccountID = conf.AccountID
	}
	return New(client, opts), nil
}

// New wraps an SQS API.
func New(api API, opts Options) *Broker {
	if opts.QueueName == nil {
		opts.QueueName = func(topic, subscription string) string { return topic + "-" + subscription }
	}
	if opts.PoisonQueue == "" {
		opts.PoisonQueue = DefaultPoisonName
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	return &Broker{
		api:      api,
		opts:     opts,
		logger:   opts.Logger.With(logging.LogFields{"broker": "sqs"}),
		urls:     make(map[string]string),
		inflight: make(map[string]inflight),
	}
}

func (b *Broker) remember(token string, f inflight) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inflight[token] = f
}

func (b *Broker) peek(token string) (inflight, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.inflight[token]
	return f, ok
}

func (b *Broker) forget(tokens []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, token := range tokens {
		delete(b.inflight, token)
	}
}

// prune drops bookkeeping for handles SQS has certainly invalidated.
func (b *Broker) prune(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for token, f := range b.inflight {
		if now.Sub(f.receivedAt) > MaxVisibility {
			delete(b.inflight, token)
		}
	}
}

func (b *Broker) queueURL(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	url, ok := b.urls[name]
	b.mu.Unlock()
	if ok {
		return url, nil
	}

	in := &amazonsqs.GetQueueUrlInput{QueueName: aws.String(name)}
	if b.opts.AccountID != "" {
		in.QueueOwnerAWSAccountId = aws.String(b.opts.AccountID)
	}
	out, err := b.api.GetQueueUrl(ctx, in)
	if err != nil {
		return "", classify("get queue url", err)
	}
	url = aws.ToString(out.QueueUrl)

	b.mu.Lock()
	b.urls[name] = url
	b.mu.Unlock()
	return url, nil
}

// Receive long-polls the queue. SQS caps a receive at ten messages and a
// twenty second wait.
func (b *Broker) Receive(ctx context.Context, topic, subscription string, maxEvents int, maxWait time.Duration) ([]broker.ReceivedEvent, error) {
	url, err := b.queueURL(ctx, b.opts.QueueName(topic, subscription))
	if err != nil {
		return nil, err
	}

	in := &amazonsqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(url),
		MaxNumberOfMessages:         int32(min(max(maxEvents, 1), MaxBatchSize)),
		WaitTimeSeconds:             int32(min(max(maxWait, 0), MaxWaitTime) / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		MessageAttributeNames:       []string{AttrSchema},
	}
	if b.opts.VisibilityTimeout > 0 {
		in.VisibilityTimeout = visibilitySeconds(b.opts.VisibilityTimeout)
	}

	out, err := b.api.ReceiveMessage(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify("receive", err)
	}

	now := time.Now()
	b.prune(now)
	events := make([]broker.ReceivedEvent, 0, len(out.Messages))
	for _, msg := range out.Messages {
		count, _ := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		schema := envelope.SchemaAuto
		if attr, ok := msg.MessageAttributes[AttrSchema]; ok {
			if parsed, err := envelope.ParseSchema(aws.ToString(attr.StringValue)); err == nil {
				schema = parsed
			}
		}
		ev := broker.ReceivedEvent{
			Body:          []byte(aws.ToString(msg.Body)),
			LockToken:     aws.ToString(msg.ReceiptHandle),
			DeliveryCount: max(count, 1),
			Schema:        schema,
		}
		b.remember(ev.LockToken, inflight{body: ev.Body, schema: schema, deliveryCount: ev.DeliveryCount, receivedAt: now})
		events = append(events, ev)
	}
	return events, nil
}

// Acknowledge deletes the messages.
func (b *Broker) Acknowledge(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	url, err := b.queueURL(ctx, b.opts.QueueName(topic, subscription))
	if err != nil {
		return broker.ResolveResult{}, err
	}
	return b.deleteBatch(ctx, url, lockTokens)
}

func (b *Broker) deleteBatch(ctx context.Context, url string, tokens []string) (broker.ResolveResult, error) {
	var res broker.ResolveResult
	for chunk := range chunks(tokens) {
		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, token := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{Id: aws.String(strconv.Itoa(i)), ReceiptHandle: aws.String(token)}
		}
		out, err := b.api.DeleteMessageBatch(ctx, &amazonsqs.DeleteMessageBatchInput{QueueUrl: aws.String(url), Entries: entries})
		if err != nil {
			res.Add(broker.FailAll(chunk, classify("delete", err)))
			continue
		}
		for _, ok := range out.Successful {
			res.Succeeded = append(res.Succeeded, tokenAt(chunk, ok.Id))
		}
		for _, failed := range out.Failed {
			res.Fail(tokenAt(chunk, failed.Id), entryError(failed))
		}
	}
	b.forget(res.Succeeded)
	return res, nil
}

// Release changes the visibility timeout to delay so SQS redelivers then.
func (b *Broker) Release(ctx context.Context, topic, subscription string, lockTokens []string, delay time.Duration) (broker.ResolveResult, error) {
	url, err := b.queueURL(ctx, b.opts.QueueName(topic, subscription))
	if err != nil {
		return broker.ResolveResult{}, err
	}

	var res broker.ResolveResult
	seconds := visibilitySeconds(delay)
	for chunk := range chunks(lockTokens) {
		entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
		for i, token := range chunk {
			entries[i] = types.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				ReceiptHandle:     aws.String(token),
				VisibilityTimeout: seconds,
			}
		}
		out, err := b.api.ChangeMessageVisibilityBatch(ctx, &amazonsqs.ChangeMessageVisibilityBatchInput{QueueUrl: aws.String(url), Entries: entries})
		if err != nil {
			res.Add(broker.FailAll(chunk, classify("change visibility", err)))
			continue
		}
		for _, ok := range out.Successful {
			res.Succeeded = append(res.Succeeded, tokenAt(chunk, ok.Id))
		}
		for _, failed := range out.Failed {
			res.Fail(tokenAt(chunk, failed.Id), entryError(failed))
		}
	}
	b.forget(res.Succeeded)
	return res, nil
}

// Reject copies each message to the poison queue and deletes the original.
// Only tokens returned by this Broker's Receive can be rejected, since a
// receipt handle does not carry the body.
func (b *Broker) Reject(ctx context.Context, topic, subscription string, lockTokens []string) (broker.ResolveResult, error) {
	queue := b.opts.QueueName(topic, subscription)
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return broker.ResolveResult{}, err
	}
	poisonURL, err := b.queueURL(ctx, b.opts.PoisonQueue)
	if err != nil {
		return broker.FailAll(lockTokens, err), nil
	}

	var res broker.ResolveResult
	copied := make([]string, 0, len(lockTokens))
	for _, token := range lockTokens {
		f, ok := b.peek(token)
		if !ok {
			res.Fail(token, broker.ErrLockTokenNotFound)
			continue
		}
		_, err := b.api.SendMessage(ctx, &amazonsqs.SendMessageInput{
			QueueUrl:    aws.String(poisonURL),
			MessageBody: aws.String(string(f.body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				AttrOriginalQueue: stringAttr(queue),
				AttrDeliveryCount: {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(f.deliveryCount))},
				AttrSchema:        stringAttr(f.schema.String()),
			},
		})
		if err != nil {
			b.logger.Warn("Could not copy rejected message to poison queue", logging.LogFields{
				"queue":        queue,
				"poison_queue": b.opts.PoisonQueue,
				"error":        err.Error(),
			})
			res.Fail(token, classify("send poison", err))
			continue
		}
		copied = append(copied, token)
	}

	deleted, err := b.deleteBatch(ctx, url, copied)
	if err != nil {
		return res, err
	}
	res.Add(deleted)
	return res, nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func visibilitySeconds(d time.Duration) int32 {
	return int32(min(max(d, 0), MaxVisibility) / time.Second)
}

func chunks(tokens []string) func(yield func([]string) bool) {
	return func(yield func([]string) bool) {
		for start := 0; start < len(tokens); start += MaxBatchSize {
			if !yield(tokens[start:min(start+MaxBatchSize, len(tokens))]) {
				return
			}
		}
	}
}

func tokenAt(chunk []string, id *string) string {
	i, err := strconv.Atoi(aws.ToString(id))
	if err != nil || i < 0 || i >= len(chunk) {
		return aws.ToString(id)
	}
	return chunk[i]
}

func entryError(e types.BatchResultErrorEntry) error {
	if aws.ToString(e.Code) == "ReceiptHandleIsInvalid" {
		return fmt.Errorf("%w: %s", broker.ErrLockTokenNotFound, aws.ToString(e.Message))
	}
	err := fmt.Errorf("sqs: %s: %s", aws.ToString(e.Code), aws.ToString(e.Message))
	if !e.SenderFault {
		return broker.Transient("batch entry", err)
	}
	return err
}

var transientCodes = map[string]struct{}{
	"ThrottlingException":  {},
	"RequestThrottled":     {},
	"RequestLimitExceeded": {},
	"ServiceUnavailable":   {},
	"InternalError":        {},
	"KmsThrottled":         {},
}

// classify marks throttling, server faults and transport failures as
// transient. Other API errors are permanent.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return broker.Transient(op, err)
	}
	if _, ok := transientCodes[apiErr.ErrorCode()]; ok || apiErr.ErrorFault() == smithy.FaultServer {
		return broker.Transient(op, err)
	}
	return fmt.Errorf("sqs: %s: %w", op, err)
}
