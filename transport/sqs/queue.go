// Package sqs carries topic RPC over Amazon SQS and SNS.
//
// Every topic maps to a queue; a server consumes the queues of its topic and of
// topic.host. Fanout goes through an SNS topic named <topic>_fanout to which each server
// subscribes a private queue. Calls are answered on the caller's reply queue, correlated
// by _msg_id, with a final message marked ending.
package sqs

import (
	"context"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	lru "github.com/hashicorp/golang-lru"
)

// Wire keys of request and reply bodies.
const (
	keyMsgID   = "_msg_id"
	keyReplyQ  = "_reply_q"
	keyMethod  = "method"
	keyArgs    = "args"
	keyVersion = "version"
)

// QueueName maps a topic to a legal SQS queue name; dots are not allowed there.
func QueueName(topic string) string {
	return strings.ReplaceAll(topic, ".", "-")
}

// FanoutName is the SNS topic that broadcasts to every consumer of topic.
func FanoutName(topic string) string {
	return QueueName(topic) + "_fanout"
}

// queues resolves queue names to URLs, creating missing queues, and caches the result.
type queues struct {
	api   sqsiface.SQSAPI
	cache *lru.Cache

	// serializes creation so racing senders do not issue duplicate CreateQueue calls
	createMu sync.Mutex
}

func newQueues(api sqsiface.SQSAPI, size int) (*queues, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &queues{api: api, cache: cache}, nil
}

func (q *queues) url(ctx context.Context, name string) (string, error) {
	if v, ok := q.cache.Get(name); ok {
		return v.(string), nil
	}

	out, err := q.api.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err == nil {
		q.cache.Add(name, aws.StringValue(out.QueueUrl))
		return aws.StringValue(out.QueueUrl), nil
	}
	if !isCode(err, sqs.ErrCodeQueueDoesNotExist) {
		return "", err
	}

	url, err := q.create(ctx, name)
	if err != nil {
		return "", err
	}
	q.cache.Add(name, url)
	return url, nil
}

func (q *queues) create(ctx context.Context, name string) (string, error) {
	q.createMu.Lock()
	defer q.createMu.Unlock()
	out, err := q.api.CreateQueueWithContext(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]*string{
			sqs.QueueAttributeNameMessageRetentionPeriod: aws.String("3600"),
			sqs.QueueAttributeNameVisibilityTimeout:      aws.String("30"),
		},
	})
	if err != nil {
		return "", err
	}
	return aws.StringValue(out.QueueUrl), nil
}

func (q *queues) forget(name string) {
	q.cache.Remove(name)
}

func isCode(err error, code string) bool {
	aerr, ok := err.(awserr.Error)
	return ok && aerr.Code() == code
}
