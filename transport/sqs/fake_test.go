package sqs

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

const (
	fakeQueueURL = "https://sqs.fake/"
	fakeQueueARN = "arn:aws:sqs:fake:"
	fakeTopicARN = "arn:aws:sns:fake:"
)

// fakeSQS keeps queues in memory. Received messages are removed immediately.
// Queues marked with reorder deliver in reversed batches, as a standard queue may.
type fakeSQS struct {
	sqsiface.SQSAPI

	mu      sync.Mutex
	queues  map[string][]string
	attrs   map[string]map[string]*string
	created []string
	deleted []string
	batches map[string]int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{queues: map[string][]string{}, attrs: map[string]map[string]*string{}, batches: map[string]int{}}
}

// reorder holds messages of queue name back until n are waiting, then delivers them
// last first.
func (f *fakeSQS) reorder(name string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[name] = n
}

func nameOf(url *string) string {
	return strings.TrimPrefix(aws.StringValue(url), fakeQueueURL)
}

func noQueue() error {
	return awserr.New(sqs.ErrCodeQueueDoesNotExist, "no such queue", nil)
}

func (f *fakeSQS) GetQueueUrlWithContext(_ aws.Context, in *sqs.GetQueueUrlInput, _ ...request.Option) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.QueueName)
	if _, ok := f.queues[name]; !ok {
		return nil, noQueue()
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(fakeQueueURL + name)}, nil
}

func (f *fakeSQS) CreateQueueWithContext(_ aws.Context, in *sqs.CreateQueueInput, _ ...request.Option) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.StringValue(in.QueueName)
	if _, ok := f.queues[name]; !ok {
		f.queues[name] = nil
		f.attrs[name] = map[string]*string{sqs.QueueAttributeNameQueueArn: aws.String(fakeQueueARN + name)}
		f.created = append(f.created, name)
	}
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(fakeQueueURL + name)}, nil
}

func (f *fakeSQS) DeleteQueueWithContext(_ aws.Context, in *sqs.DeleteQueueInput, _ ...request.Option) (*sqs.DeleteQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := nameOf(in.QueueUrl)
	delete(f.queues, name)
	f.deleted = append(f.deleted, name)
	return &sqs.DeleteQueueOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributesWithContext(_ aws.Context, in *sqs.GetQueueAttributesInput, _ ...request.Option) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs, ok := f.attrs[nameOf(in.QueueUrl)]
	if !ok {
		return nil, noQueue()
	}
	return &sqs.GetQueueAttributesOutput{Attributes: attrs}, nil
}

func (f *fakeSQS) SetQueueAttributesWithContext(_ aws.Context, in *sqs.SetQueueAttributesInput, _ ...request.Option) (*sqs.SetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	attrs, ok := f.attrs[nameOf(in.QueueUrl)]
	if !ok {
		return nil, noQueue()
	}
	for k, v := range in.Attributes {
		attrs[k] = v
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

func (f *fakeSQS) push(name, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queues[name]; !ok {
		return noQueue()
	}
	f.queues[name] = append(f.queues[name], body)
	return nil
}

func (f *fakeSQS) SendMessageWithContext(_ aws.Context, in *sqs.SendMessageInput, _ ...request.Option) (*sqs.SendMessageOutput, error) {
	if err := f.push(nameOf(in.QueueUrl), aws.StringValue(in.MessageBody)); err != nil {
		return nil, err
	}
	return &sqs.SendMessageOutput{}, nil
}

// ReceiveMessageWithContext polls for a short while instead of the requested wait time.
func (f *fakeSQS) ReceiveMessageWithContext(ctx aws.Context, in *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	name := nameOf(in.QueueUrl)
	deadline := time.Now().Add(50 * time.Millisecond)
	for {
		f.mu.Lock()
		bodies, ok := f.queues[name]
		if !ok {
			f.mu.Unlock()
			return nil, noQueue()
		}
		n := min(len(bodies), int(aws.Int64Value(in.MaxNumberOfMessages)))
		batch := f.batches[name]
		if batch > 0 && n < batch {
			n = 0
		}
		taken := slices.Clone(bodies[:n])
		f.queues[name] = bodies[n:]
		f.mu.Unlock()
		if batch > 0 {
			slices.Reverse(taken)
		}

		if n > 0 || time.Now().After(deadline) {
			out := &sqs.ReceiveMessageOutput{}
			for i, body := range taken {
				out.Messages = append(out.Messages, &sqs.Message{
					Body:          aws.String(body),
					ReceiptHandle: aws.String(name + "#" + string(rune('a'+i))),
				})
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, awserr.New(request.CanceledErrorCode, "canceled", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fakeSQS) DeleteMessageBatchWithContext(_ aws.Context, _ *sqs.DeleteMessageBatchInput, _ ...request.Option) (*sqs.DeleteMessageBatchOutput, error) {
	return &sqs.DeleteMessageBatchOutput{}, nil
}

func (f *fakeSQS) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.queues[name]
	return ok
}

// fakeSNS delivers raw messages to the fake queues subscribed to a topic.
type fakeSNS struct {
	snsiface.SNSAPI

	sqs  *fakeSQS
	mu   sync.Mutex
	subs map[string]map[string]string // topic ARN -> subscription ARN -> queue name
}

func newFakeSNS(q *fakeSQS) *fakeSNS {
	return &fakeSNS{sqs: q, subs: map[string]map[string]string{}}
}

func (f *fakeSNS) CreateTopicWithContext(_ aws.Context, in *sns.CreateTopicInput, _ ...request.Option) (*sns.CreateTopicOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	arn := fakeTopicARN + aws.StringValue(in.Name)
	if _, ok := f.subs[arn]; !ok {
		f.subs[arn] = map[string]string{}
	}
	return &sns.CreateTopicOutput{TopicArn: aws.String(arn)}, nil
}

func (f *fakeSNS) SubscribeWithContext(_ aws.Context, in *sns.SubscribeInput, _ ...request.Option) (*sns.SubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	topic := aws.StringValue(in.TopicArn)
	subs, ok := f.subs[topic]
	if !ok {
		return nil, awserr.New(sns.ErrCodeNotFoundException, "no such topic", nil)
	}
	queue := strings.TrimPrefix(aws.StringValue(in.Endpoint), fakeQueueARN)
	arn := topic + ":" + queue
	subs[arn] = queue
	return &sns.SubscribeOutput{SubscriptionArn: aws.String(arn)}, nil
}

func (f *fakeSNS) UnsubscribeWithContext(_ aws.Context, in *sns.UnsubscribeInput, _ ...request.Option) (*sns.UnsubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subs {
		delete(subs, aws.StringValue(in.SubscriptionArn))
	}
	return &sns.UnsubscribeOutput{}, nil
}

func (f *fakeSNS) PublishWithContext(_ aws.Context, in *sns.PublishInput, _ ...request.Option) (*sns.PublishOutput, error) {
	f.mu.Lock()
	subs, ok := f.subs[aws.StringValue(in.TopicArn)]
	queues := make([]string, 0, len(subs))
	for _, q := range subs {
		queues = append(queues, q)
	}
	f.mu.Unlock()
	if !ok {
		return nil, awserr.New(sns.ErrCodeNotFoundException, "no such topic", nil)
	}
	for _, q := range queues {
		f.sqs.push(q, aws.StringValue(in.Message))
	}
	return &sns.PublishOutput{}, nil
}

func (f *fakeSNS) subscriptions(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[fakeTopicARN+FanoutName(topic)])
}
