package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli"
	"go.uber.org/zap"

	"topic-rpc/config"
	"topic-rpc/lockutils"
	"topic-rpc/logging"
	"topic-rpc/message"
	"topic-rpc/reqctx"
	"topic-rpc/rpc"
)

func joinList(items []string) string {
	return strings.Join(items, ",")
}

// loadConfig reads the global flags, which already fall back to TOPICRPC_* variables.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Config{
		ResponseTimeout:   c.GlobalDuration("response-timeout"),
		Debug:             c.GlobalBool("debug"),
		Codec:             c.GlobalString("codec"),
		PoolSize:          c.GlobalInt("pool-size"),
		HeartbeatInterval: c.GlobalDuration("heartbeat"),
		Balancer:          c.GlobalString("balancer"),
		EtcdEndpoints:     config.SplitList(c.GlobalString("etcd")),
		DiscoveryCacheTTL: c.GlobalDuration("discovery-ttl"),
		RegistrationTTL:   c.GlobalInt64("registration-ttl"),
		CastRate:          c.GlobalFloat64("cast-rate"),
		CastBurst:         c.GlobalInt("cast-burst"),
		LockPath:          c.GlobalString("lock-path"),
		LogLevel:          c.GlobalString("log-level"),
		AWSRegion:         c.GlobalString("aws-region"),
		SQSReplyQueue:     c.GlobalString("sqs-reply-queue"),
		SNSTopicARNPrefix: c.GlobalString("sns-topic-arn-prefix"),
		GatewayURL:        c.GlobalString("gateway-url"),
	}
	return cfg, cfg.Validate()
}

// cmdSession is what every command needs: config, logger and a transport.
type cmdSession struct {
	cfg       config.Config
	logger    *zap.Logger
	transport rpc.Transport
	close     func() error
	restore   func()
}

func open(c *cli.Context) (*cmdSession, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, restore, err := logging.Install(cfg.LogLevel, true)
	if err != nil {
		return nil, err
	}
	tr, closeFn, err := newTransport(c.GlobalString("transport"), cfg, logger)
	if err != nil {
		restore()
		return nil, err
	}
	return &cmdSession{cfg: cfg, logger: logger, transport: tr, close: closeFn, restore: restore}, nil
}

func (s *cmdSession) Close() {
	if err := s.close(); err != nil {
		s.logger.Warn("closing transport", zap.Error(err))
	}
	s.logger.Sync()
	s.restore()
}

func (s *cmdSession) proxy(c *cli.Context) *rpc.Proxy {
	return rpc.NewProxy(s.transport, c.String("topic"), c.String("version"),
		rpc.WithLogger(s.logger),
		rpc.WithDebug(s.cfg.Debug),
	)
}

// parseArgs turns key=value pairs into message arguments. Values that are valid JSON are
// decoded, so n=3 sends a number and s=abc sends a string.
func parseArgs(pairs []string) (message.Args, error) {
	args := message.Args{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[key] = v
	}
	return args, nil
}

func buildMessage(c *cli.Context) (message.Message, error) {
	if c.String("topic") == "" {
		return message.Message{}, fmt.Errorf("--topic is required")
	}
	args, err := parseArgs(c.StringSlice("arg"))
	if err != nil {
		return message.Message{}, err
	}
	return message.MakeMsg(c.String("method"), args)
}

func requestContext(c *cli.Context) context.Context {
	ctx := context.Background()
	if c.String("user") != "" || c.String("project") != "" {
		ctx = reqctx.NewContext(ctx, reqctx.New(c.String("user"), c.String("project")))
	}
	return ctx
}

func callOptions(c *cli.Context) []rpc.CallOption {
	var opts []rpc.CallOption
	if c.IsSet("timeout") {
		opts = append(opts, rpc.WithTimeout(c.Duration("timeout")))
	}
	return opts
}

func serverParams(c *cli.Context) (rpc.ServerParams, bool) {
	sp := rpc.ServerParams{Host: c.String("server-host"), Addr: c.String("server-addr")}
	return sp, sp.Host != "" || sp.Addr != ""
}

// dispatch runs fn with a message and proxy for the command, under --lock when given.
func dispatch(c *cli.Context, fn func(ctx context.Context, p *rpc.Proxy, msg message.Message) error) error {
	msg, err := buildMessage(c)
	if err != nil {
		return err
	}
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := requestContext(c)
	p := s.proxy(c)
	lock := c.String("lock")
	if lock == "" {
		return fn(ctx, p, msg)
	}
	return lockutils.Synchronized(ctx, lock, "rpcctl-", func(ctx context.Context) error {
		return fn(ctx, p, msg)
	}, lockutils.External(), lockutils.LockPath(s.cfg.LockPath))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func callCommand(c *cli.Context) error {
	return dispatch(c, func(ctx context.Context, p *rpc.Proxy, msg message.Message) error {
		result, err := p.Call(ctx, msg, callOptions(c)...)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, result)
	})
}

func multiCallCommand(c *cli.Context) error {
	return dispatch(c, func(ctx context.Context, p *rpc.Proxy, msg message.Message) error {
		replies, err := p.MultiCall(ctx, msg, callOptions(c)...)
		if err != nil {
			return err
		}
		for v, err := range replies {
			if err != nil {
				return err
			}
			if err := printJSON(os.Stdout, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func castCommand(c *cli.Context) error {
	return dispatch(c, func(ctx context.Context, p *rpc.Proxy, msg message.Message) error {
		if sp, ok := serverParams(c); ok {
			return p.CastToServer(ctx, sp, msg)
		}
		return p.Cast(ctx, msg)
	})
}

func fanoutCommand(c *cli.Context) error {
	return dispatch(c, func(ctx context.Context, p *rpc.Proxy, msg message.Message) error {
		if sp, ok := serverParams(c); ok {
			return p.FanoutCastToServer(ctx, sp, msg)
		}
		return p.FanoutCast(ctx, msg)
	})
}
