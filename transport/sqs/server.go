package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
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
	"topic-rpc/middleware"
	"topic-rpc/reqctx"
	"topic-rpc/rpcerr"
	"topic-rpc/server"
)

// Server consumes a topic's queues and answers calls on each caller's reply queue.
type Server struct {
	sqs         sqsiface.SQSAPI
	sns         snsiface.SNSAPI
	queues      *queues
	topic       string
	host        string
	dispatcher  *server.Dispatcher
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	waitTime    int64
	logger      *zap.Logger

	cancel       context.CancelFunc
	wg           sync.WaitGroup
	fanoutQueue  string
	subscription *string
}

type ServerOption func(*Server)

func WithHost(host string) ServerOption {
	return func(s *Server) { s.host = host }
}

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

func WithMiddleware(mws ...middleware.Middleware) ServerOption {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

func WithServerWaitTime(seconds int64) ServerOption {
	return func(s *Server) { s.waitTime = seconds }
}

// NewServer serves d on topic. snsAPI may be nil, in which case fanout is not consumed.
func NewServer(sqsAPI sqsiface.SQSAPI, snsAPI snsiface.SNSAPI, topic string, d *server.Dispatcher, opts ...ServerOption) (*Server, error) {
	q, err := newQueues(sqsAPI, 16)
	if err != nil {
		return nil, err
	}
	s := &Server{
		sqs:        sqsAPI,
		sns:        snsAPI,
		queues:     q,
		topic:      topic,
		dispatcher: d,
		waitTime:   5,
		logger:     zap.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start resolves (creating as needed) the topic queues, subscribes to the fanout topic
// and starts one consumer per queue. It returns once consumption has started.
func (s *Server) Start(ctx context.Context) error {
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	names := []string{QueueName(s.topic)}
	if s.host != "" {
		names = append(names, QueueName(s.topic+"."+s.host))
	}
	urls := make([]string, 0, len(names)+1)
	for _, name := range names {
		url, err := s.queues.url(ctx, name)
		if err != nil {
			return fmt.Errorf("sqs: consume %s: %w", name, err)
		}
		urls = append(urls, url)
	}
	if s.sns != nil {
		url, err := s.subscribeFanout(ctx)
		if err != nil {
			return err
		}
		urls = append(urls, url)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, url := range urls {
		s.wg.Add(1)
		go s.consume(runCtx, url)
	}
	s.logger.Info("consuming topic queues", zap.String("topic", s.topic), zap.Strings("queues", urls))
	return nil
}

// subscribeFanout creates a private queue and subscribes it to the topic's SNS fanout
// with raw delivery, so published bodies arrive unchanged.
func (s *Server) subscribeFanout(ctx context.Context) (string, error) {
	topicOut, err := s.sns.CreateTopicWithContext(ctx, &sns.CreateTopicInput{Name: aws.String(FanoutName(s.topic))})
	if err != nil {
		return "", fmt.Errorf("sqs: create fanout topic: %w", err)
	}

	s.fanoutQueue = FanoutName(s.topic) + "_" + uuid.NewString()[:8]
	url, err := s.queues.url(ctx, s.fanoutQueue)
	if err != nil {
		return "", err
	}
	attrs, err := s.sqs.GetQueueAttributesWithContext(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []*string{aws.String(sqs.QueueAttributeNameQueueArn)},
	})
	if err != nil {
		return "", err
	}
	queueARN := aws.StringValue(attrs.Attributes[sqs.QueueAttributeNameQueueArn])

	policy, _ := json.Marshal(map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "sns.amazonaws.com"},
			"Action":    "sqs:SendMessage",
			"Resource":  queueARN,
			"Condition": map[string]any{"ArnEquals": map[string]string{"aws:SourceArn": aws.StringValue(topicOut.TopicArn)}},
		}},
	})
	_, err = s.sqs.SetQueueAttributesWithContext(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl:   aws.String(url),
		Attributes: map[string]*string{sqs.QueueAttributeNamePolicy: aws.String(string(policy))},
	})
	if err != nil {
		return "", err
	}

	sub, err := s.sns.SubscribeWithContext(ctx, &sns.SubscribeInput{
		TopicArn:   topicOut.TopicArn,
		Protocol:   aws.String("sqs"),
		Endpoint:   aws.String(queueARN),
		Attributes: map[string]*string{"RawMessageDelivery": aws.String("true")},
	})
	if err != nil {
		return "", fmt.Errorf("sqs: subscribe fanout: %w", err)
	}
	s.subscription = sub.SubscriptionArn
	return url, nil
}

func (s *Server) consume(ctx context.Context, url string) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		out, err := s.sqs.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(url),
			MaxNumberOfMessages: aws.Int64(10),
			WaitTimeSeconds:     aws.Int64(s.waitTime),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("receive failed", zap.String("queue", url), zap.Error(err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		// deleted before handling: delivery is at most once, as with the TCP transport
		deleteBatch(ctx, s.sqs, url, out.Messages, s.logger)
		for _, m := range out.Messages {
			s.wg.Add(1)
			go s.handle(context.WithoutCancel(ctx), aws.StringValue(m.Body))
		}
	}
}

func (s *Server) handle(ctx context.Context, body string) {
	defer s.wg.Done()

	var req map[string]any
	if err := codec.Deserialize([]byte(body), &req); err != nil {
		s.logger.Warn("dropping undecodable request", zap.Error(err))
		return
	}
	rc := codec.UnpackContext(req)
	msgID, _ := req[keyMsgID].(string)
	replyQ, _ := req[keyReplyQ].(string)

	msg := &message.Message{Args: message.Args{}}
	msg.Method, _ = req[keyMethod].(string)
	msg.Version, _ = req[keyVersion].(string)
	if args, ok := req[keyArgs].(map[string]any); ok {
		msg.Args = args
	}

	hctx := context.Background()
	if rc != nil {
		hctx = reqctx.NewContext(hctx, rc)
	}
	result, err := s.handler(hctx, msg)

	if msgID == "" || replyQ == "" {
		if err != nil {
			s.logger.Warn("cast failed", zap.String("topic", s.topic), zap.String("method", msg.Method), zap.Error(err))
		}
		return
	}
	var sent int
	if err == nil {
		sent, err = s.replyResults(ctx, replyQ, msgID, result)
	}
	end := reply{MsgID: msgID, Ending: true, Count: sent}
	if err != nil {
		end.Failure = codec.EncodeFailure(err)
	}
	if serr := s.sendReply(ctx, replyQ, end); serr != nil {
		s.logger.Warn("reply failed", zap.String("reply_q", replyQ), zap.Error(serr))
	}
}

func (s *Server) dispatch(ctx context.Context, msg *message.Message) (result any, err error) {
	defer recoverPanic(&err)
	return s.dispatcher.Dispatch(ctx, msg)
}

func recoverPanic(err *error) {
	if r := recover(); r != nil {
		*err = &rpcerr.RemoteError{ExcType: "panic", Value: fmt.Sprint(r), Traceback: string(debug.Stack())}
	}
}

// replyResults sends one numbered reply per value of result and reports how many went
// out.
func (s *Server) replyResults(ctx context.Context, replyQ, msgID string, result any) (sent int, err error) {
	defer recoverPanic(&err)
	stream, ok := result.(server.Stream)
	if !ok {
		stream = server.Values(result)
	}
	for v, err := range stream {
		if err != nil {
			return sent, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return sent, err
		}
		if err := s.sendReply(ctx, replyQ, reply{MsgID: msgID, Seq: sent, Result: data}); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func (s *Server) sendReply(ctx context.Context, replyQ string, r reply) error {
	data, err := codec.Serialize(r)
	if err != nil {
		return err
	}
	url, err := s.queues.url(ctx, replyQ)
	if err != nil {
		return err
	}
	_, err = s.sqs.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(data)),
	})
	return err
}

// Shutdown stops consuming, waits up to timeout for in-flight messages, then removes the
// fanout subscription and its queue.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.subscription != nil {
		if _, uerr := s.sns.UnsubscribeWithContext(ctx, &sns.UnsubscribeInput{SubscriptionArn: s.subscription}); uerr != nil {
			s.logger.Warn("unsubscribe fanout failed", zap.Error(uerr))
		}
		s.subscription = nil
	}
	if s.fanoutQueue != "" {
		if url, uerr := s.queues.url(ctx, s.fanoutQueue); uerr == nil {
			s.sqs.DeleteQueueWithContext(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
		}
		s.queues.forget(s.fanoutQueue)
		s.fanoutQueue = ""
	}
	return err
}
