package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"topic-rpc/config"
	"topic-rpc/logging"
	"topic-rpc/message"
	"topic-rpc/middleware"
	"topic-rpc/reqctx"
	"topic-rpc/server"
	"topic-rpc/transport/jsonrpc"
	sqstransport "topic-rpc/transport/sqs"
)

const shutdownTimeout = 10 * time.Second

// echoService is the responder run by rpcctl serve.
type echoService struct {
	name string
}

type countArgs struct {
	N int `json:"n"`
}

func (s *echoService) Ping(ctx context.Context, args message.Args) (any, error) {
	return "pong from " + s.name, nil
}

func (s *echoService) Echo(ctx context.Context, args message.Args) (any, error) {
	reply := map[string]any{"args": args}
	if rc, ok := reqctx.FromContext(ctx); ok {
		reply["context"] = rc
	}
	return reply, nil
}

// Count streams 1..n, one reply each.
func (s *echoService) Count(ctx context.Context, args *countArgs) (any, error) {
	if args.N < 0 {
		return nil, fmt.Errorf("n must not be negative, got %d", args.N)
	}
	return server.Stream(func(yield func(any, error) bool) {
		for i := 1; i <= args.N; i++ {
			if !yield(i, nil) {
				return
			}
		}
	}), nil
}

func middlewares(cfg config.Config, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{
		middleware.LoggingMiddleware(logger),
		middleware.TimeOutMiddleware(cfg.ResponseTimeout),
	}
	if cfg.CastRate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.CastRate, max(cfg.CastBurst, 1)))
	}
	return mws
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCommand(c *cli.Context) error {
	topic := c.String("topic")
	if topic == "" {
		return fmt.Errorf("--topic is required")
	}
	host := c.String("host")
	if host == "" {
		host, _ = os.Hostname()
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, restore, err := logging.Install(cfg.LogLevel, true)
	if err != nil {
		return err
	}
	defer restore()
	defer logger.Sync()

	svc := &echoService{name: host}
	switch kind := c.GlobalString("transport"); kind {
	case "tcp":
		return serveTCP(c, cfg, logger, topic, host, svc)
	case "sqs":
		return serveSQS(cfg, logger, topic, host, svc)
	default:
		return fmt.Errorf("serve does not support the %s transport", kind)
	}
}

func serveTCP(c *cli.Context, cfg config.Config, logger *zap.Logger, topic, host string, svc *echoService) error {
	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	svr := server.NewServer(topic,
		server.WithLogger(logger),
		server.WithHost(host),
		server.WithRegistry(reg, cfg.RegistrationTTL),
	)
	if err := svr.Register(server.DefaultVersion, svc); err != nil {
		return err
	}
	for _, mw := range middlewares(cfg, logger) {
		svr.Use(mw)
	}

	ctx, stop := signalContext()
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", c.String("listen"), c.String("advertise")) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down", zap.String("topic", topic))
	return svr.Shutdown(shutdownTimeout)
}

func serveSQS(cfg config.Config, logger *zap.Logger, topic, host string, svc *echoService) error {
	sess, err := awsSession(cfg)
	if err != nil {
		return err
	}
	d := server.NewDispatcher()
	if err := d.Register(server.DefaultVersion, svc); err != nil {
		return err
	}
	svr, err := sqstransport.NewServer(sqs.New(sess), sns.New(sess), topic, d,
		sqstransport.WithHost(host),
		sqstransport.WithServerLogger(logger),
		sqstransport.WithMiddleware(middlewares(cfg, logger)...),
	)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	if err := svr.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down", zap.String("topic", topic))
	return svr.Shutdown(shutdownTimeout)
}

func gatewayCommand(c *cli.Context) error {
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.Close()

	handler, err := jsonrpc.NewHandler(jsonrpc.NewGateway(s.transport, s.logger))
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle(c.String("path"), handler)
	srv := &http.Server{Addr: c.String("listen"), Handler: mux}

	ctx, stop := signalContext()
	defer stop()
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("gateway listening", zap.String("addr", srv.Addr), zap.String("path", c.String("path")))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
