package main

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/config"
	"topic-rpc/loadbalance"
	"topic-rpc/registry"
	"topic-rpc/rpc"
	"topic-rpc/transport"
	"topic-rpc/transport/jsonrpc"
	sqstransport "topic-rpc/transport/sqs"
)

func newTransport(kind string, cfg config.Config, logger *zap.Logger) (rpc.Transport, func() error, error) {
	switch kind {
	case "tcp":
		reg, err := newRegistry(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		tr, err := newTCPTransport(reg, cfg, logger)
		if err != nil {
			reg.Close()
			return nil, nil, err
		}
		return tr, func() error {
			tr.Close()
			return reg.Close()
		}, nil
	case "sqs":
		tr, err := newSQSTransport(cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil
	case "http":
		tr := jsonrpc.NewTransport(cfg.GatewayURL,
			jsonrpc.WithResponseTimeout(cfg.ResponseTimeout),
			jsonrpc.WithLogger(logger),
		)
		return tr, func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q, want tcp, sqs or http", kind)
}

func newRegistry(cfg config.Config, logger *zap.Logger) (*registry.EtcdRegistry, error) {
	return registry.NewEtcdRegistry(cfg.EtcdEndpoints, registry.WithEtcdLogger(logger))
}

func newTCPTransport(reg registry.Registry, cfg config.Config, logger *zap.Logger) (*transport.TCPTransport, error) {
	ct, err := codec.ParseCodecType(cfg.Codec)
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalance.New(cfg.Balancer)
	if err != nil {
		return nil, err
	}
	opts := []transport.TCPOption{
		transport.WithCodec(ct),
		transport.WithBalancer(balancer),
		transport.WithPoolSize(cfg.PoolSize),
		transport.WithResponseTimeout(cfg.ResponseTimeout),
		transport.WithHeartbeat(cfg.HeartbeatInterval),
		transport.WithDiscoveryTTL(cfg.DiscoveryCacheTTL),
		transport.WithTransportLogger(logger),
	}
	if cfg.CastRate > 0 {
		opts = append(opts, transport.WithCastRate(cfg.CastRate, max(cfg.CastBurst, 1)))
	}
	return transport.NewTCPTransport(reg, opts...), nil
}

// awsSession uses the SDK's default credential chain in the configured region.
func awsSession(cfg config.Config) (client.ConfigProvider, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.AWSRegion)
	return session.NewSession(awsCfg)
}

func newSQSTransport(cfg config.Config, logger *zap.Logger) (*sqstransport.Transport, error) {
	sess, err := awsSession(cfg)
	if err != nil {
		return nil, err
	}
	opts := []sqstransport.Option{
		sqstransport.WithTopicARNPrefix(cfg.SNSTopicARNPrefix),
		sqstransport.WithResponseTimeout(cfg.ResponseTimeout),
		sqstransport.WithLogger(logger),
	}
	if cfg.SQSReplyQueue != "" {
		opts = append(opts, sqstransport.WithReplyQueue(cfg.SQSReplyQueue))
	}
	return sqstransport.NewTransport(sqs.New(sess), sns.New(sess), opts...)
}
