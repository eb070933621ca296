package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/message"
	"topic-rpc/reqctx"
	"topic-rpc/rpc"
	"topic-rpc/rpcerr"
)

var _ rpc.Transport = (*Transport)(nil)

// reply is one message on a reply queue. Results are numbered from zero by Seq; the
// ending reply carries in Count how many results preceded it, since a standard queue
// may deliver it first.
type reply struct {
	MsgID   string          `json:"_msg_id"`
	Seq     int             `json:"seq"`
	Result  json.RawMessage `json:"result,omitempty"`
	Failure string          `json:"failure,omitempty"`
	Ending  bool            `json:"ending,omitempty"`
	Count   int             `json:"count,omitempty"`
}

type Transport struct {
	sqs            sqsiface.SQSAPI
	sns            snsiface.SNSAPI
	queues         *queues
	replyQueue     string
	topicARNPrefix string
	timeout        time.Duration
	waitTime       int64
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	waiters map[string]*waiter
	polling bool
}

type Option func(*Transport)

// WithReplyQueue names the queue replies are delivered to. It defaults to a name unique
// to this transport.
func WithReplyQueue(name string) Option {
	return func(t *Transport) { t.replyQueue = name }
}

// WithTopicARNPrefix sets the prefix prepended to FanoutName to build SNS topic ARNs,
// e.g. "arn:aws:sns:us-east-1:123456789012:".
func WithTopicARNPrefix(prefix string) Option {
	return func(t *Transport) { t.topicARNPrefix = prefix }
}

func WithResponseTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// WithWaitTime sets the long-poll duration of reply queue receives, in seconds.
func WithWaitTime(seconds int64) Option {
	return func(t *Transport) { t.waitTime = seconds }
}

func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

func NewTransport(sqsAPI sqsiface.SQSAPI, snsAPI snsiface.SNSAPI, opts ...Option) (*Transport, error) {
	q, err := newQueues(sqsAPI, 256)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		sqs:        sqsAPI,
		sns:        snsAPI,
		queues:     q,
		replyQueue: "reply_" + uuid.NewString(),
		timeout:    60 * time.Second,
		waitTime:   5,
		logger:     zap.L(),
		ctx:        ctx,
		cancel:     cancel,
		waiters:    make(map[string]*waiter),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) Call(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (any, error) {
	ctx, cancel, d := t.withTimeout(ctx, timeout)
	defer cancel()

	w, err := t.call(ctx, topic, msg)
	if err != nil {
		return nil, err
	}
	defer t.release(w)

	var last any
	for {
		v, ok, err := w.next(ctx)
		if err != nil {
			return nil, callError(err, d)
		}
		if !ok {
			return last, nil
		}
		last = v
	}
}

// MultiCall returns the replies in the order the responder produced them. The waiter is
// dropped once every reply has arrived, or when ctx ends.
func (t *Transport) MultiCall(ctx context.Context, topic string, msg message.Message, timeout *time.Duration) (iter.Seq2[any, error], error) {
	ctx, cancel, d := t.withTimeout(ctx, timeout)

	w, err := t.call(ctx, topic, msg)
	if err != nil {
		cancel()
		return nil, err
	}
	context.AfterFunc(ctx, func() { t.release(w) })

	return func(yield func(any, error) bool) {
		defer cancel()
		for {
			v, ok, err := w.next(ctx)
			if err != nil {
				yield(nil, callError(err, d))
				return
			}
			if !ok || !yield(v, nil) {
				return
			}
		}
	}, nil
}

func (t *Transport) Cast(ctx context.Context, topic string, msg message.Message) error {
	return t.send(ctx, QueueName(topic), requestBody(ctx, msg))
}

// FanoutCast publishes to the topic's SNS fanout. A fanout topic that does not exist yet
// has no subscribers, so the message is dropped.
func (t *Transport) FanoutCast(ctx context.Context, topic string, msg message.Message) error {
	body, err := codec.Serialize(requestBody(ctx, msg))
	if err != nil {
		return err
	}
	_, err = t.sns.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(t.topicARNPrefix + FanoutName(topic)),
		Message:  aws.String(string(body)),
	})
	if isCode(err, sns.ErrCodeNotFoundException) {
		t.logger.Debug("fanout topic has no subscribers", zap.String("topic", topic))
		return nil
	}
	return err
}

// CastToServer sends to the queue of topic.host. Queue based delivery has no notion of
// an address, so server.Addr is ignored.
func (t *Transport) CastToServer(ctx context.Context, topic string, server rpc.ServerParams, msg message.Message) error {
	return t.send(ctx, QueueName(serverTopic(topic, server)), requestBody(ctx, msg))
}

// FanoutCastToServer reaches the single consumer of topic.host, so it is a cast to
// that queue.
func (t *Transport) FanoutCastToServer(ctx context.Context, topic string, server rpc.ServerParams, msg message.Message) error {
	return t.CastToServer(ctx, topic, server, msg)
}

// Close stops the reply poller. Calls waiting on replies, and calls made afterwards,
// fail with rpcerr.ErrClosed.
func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, w := range t.waiters {
		w.abort(rpcerr.ErrClosed)
		delete(t.waiters, id)
	}
	return nil
}

func serverTopic(topic string, server rpc.ServerParams) string {
	if server.Host == "" {
		return topic
	}
	return topic + "." + server.Host
}

func requestBody(ctx context.Context, msg message.Message) map[string]any {
	body := map[string]any{
		keyMethod: msg.Method,
		keyArgs:   msg.Args,
	}
	if msg.Version != "" {
		body[keyVersion] = msg.Version
	}
	if rc, ok := reqctx.FromContext(ctx); ok {
		codec.PackContext(body, rc)
	}
	return body
}

func (t *Transport) withTimeout(ctx context.Context, timeout *time.Duration) (context.Context, context.CancelFunc, time.Duration) {
	d := t.timeout
	if timeout != nil {
		d = *timeout
	}
	if d <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, 0
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, d
}

func callError(err error, d time.Duration) error {
	if err == context.DeadlineExceeded {
		return rpcerr.NewTimeout(fmt.Sprintf("no reply within %s", d))
	}
	return err
}

func (t *Transport) call(ctx context.Context, topic string, msg message.Message) (*waiter, error) {
	if err := t.startPoller(ctx); err != nil {
		return nil, err
	}

	w := newWaiter()
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return nil, rpcerr.ErrClosed
	}
	t.waiters[w.id] = w
	t.mu.Unlock()

	body := requestBody(ctx, msg)
	body[keyMsgID] = w.id
	body[keyReplyQ] = t.replyQueue
	if err := t.send(ctx, QueueName(topic), body); err != nil {
		t.release(w)
		return nil, err
	}
	return w, nil
}

func (t *Transport) release(w *waiter) {
	t.mu.Lock()
	delete(t.waiters, w.id)
	t.mu.Unlock()
}

func (t *Transport) send(ctx context.Context, queue string, body map[string]any) error {
	data, err := codec.Serialize(body)
	if err != nil {
		return err
	}
	url, err := t.queues.url(ctx, queue)
	if err != nil {
		return fmt.Errorf("sqs: resolve queue %s: %w", queue, err)
	}
	_, err = t.sqs.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(data)),
	})
	if isCode(err, sqs.ErrCodeQueueDoesNotExist) {
		t.queues.forget(queue)
	}
	return err
}

// startPoller creates the reply queue and starts draining it, once.
func (t *Transport) startPoller(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return rpcerr.ErrClosed
	}
	if t.polling {
		return nil
	}
	url, err := t.queues.url(ctx, t.replyQueue)
	if err != nil {
		return fmt.Errorf("sqs: reply queue: %w", err)
	}
	t.polling = true
	go t.pollReplies(url)
	return nil
}

func (t *Transport) pollReplies(url string) {
	for t.ctx.Err() == nil {
		out, err := t.sqs.ReceiveMessageWithContext(t.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: aws.Int64(10),
			WaitTimeSeconds:     aws.Int64(t.waitTime),
		})
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("receive from reply queue failed", zap.String("queue", t.replyQueue), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-t.ctx.Done():
				return
			}
			continue
		}

		for _, m := range out.Messages {
			t.route(aws.StringValue(m.Body))
		}
		deleteBatch(t.ctx, t.sqs, url, out.Messages, t.logger)
	}
}

func (t *Transport) route(body string) {
	var r reply
	if err := codec.Deserialize([]byte(body), &r); err != nil {
		t.logger.Warn("dropping undecodable reply", zap.Error(err))
		return
	}
	t.mu.Lock()
	w, ok := t.waiters[r.MsgID]
	t.mu.Unlock()
	if !ok {
		return // caller gave up
	}

	if len(r.Result) > 0 {
		var v any
		if err := json.Unmarshal(r.Result, &v); err != nil {
			w.abort(err)
			t.release(w)
			return
		}
		w.result(r.Seq, v)
	}
	if r.Ending {
		var err error
		if r.Failure != "" {
			err = codec.DecodeFailure(r.Failure)
		}
		w.finish(r.Count, err)
	}
	// a waiter holding every reply no longer needs the poller
	if w.complete() {
		t.release(w)
	}
}

func deleteBatch(ctx context.Context, api sqsiface.SQSAPI, url string, msgs []*sqs.Message, logger *zap.Logger) {
	if len(msgs) == 0 {
		return
	}
	entries := make([]*sqs.DeleteMessageBatchRequestEntry, 0, len(msgs))
	for i, m := range msgs {
		entries = append(entries, &sqs.DeleteMessageBatchRequestEntry{
			Id:            aws.String(fmt.Sprint(i)),
			ReceiptHandle: m.ReceiptHandle,
		})
	}
	_, err := api.DeleteMessageBatchWithContext(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(url),
		Entries:  entries,
	})
	if err != nil && ctx.Err() == nil {
		logger.Warn("delete batch failed", zap.String("queue", url), zap.Error(err))
	}
}

// waiter reorders the replies of one call by sequence number until the caller reads
// them.
type waiter struct {
	id     string
	notify chan struct{}

	mu      sync.Mutex
	results map[int]any
	seq     int // next result handed to the caller
	total   int // results before the ending reply; -1 until it arrives
	err     error
	aborted bool
}

func newWaiter() *waiter {
	return &waiter{
		id:      uuid.NewString(),
		notify:  make(chan struct{}, 1),
		results: make(map[int]any),
		total:   -1,
	}
}

func (w *waiter) result(seq int, v any) {
	w.mu.Lock()
	if seq >= w.seq && !w.aborted {
		w.results[seq] = v
	}
	w.mu.Unlock()
	w.wake()
}

// finish records the ending reply. Results still in flight are delivered before err.
func (w *waiter) finish(count int, err error) {
	w.mu.Lock()
	if w.total < 0 && !w.aborted {
		w.total, w.err = count, err
	}
	w.mu.Unlock()
	w.wake()
}

// abort ends the call with err, dropping undelivered results.
func (w *waiter) abort(err error) {
	w.mu.Lock()
	if !w.aborted {
		w.aborted, w.err = true, err
		clear(w.results)
	}
	w.mu.Unlock()
	w.wake()
}

func (w *waiter) complete() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aborted || (w.total >= 0 && w.seq+len(w.results) >= w.total)
}

func (w *waiter) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *waiter) next(ctx context.Context) (any, bool, error) {
	for {
		w.mu.Lock()
		if w.aborted {
			err := w.err
			w.mu.Unlock()
			return nil, false, err
		}
		if v, ok := w.results[w.seq]; ok {
			delete(w.results, w.seq)
			w.seq++
			w.mu.Unlock()
			return v, true, nil
		}
		if w.total >= 0 && w.seq >= w.total {
			err := w.err
			w.mu.Unlock()
			return nil, false, err
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
