package test

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"topic-rpc/codec"
	"topic-rpc/lockutils"
	"topic-rpc/message"
	"topic-rpc/middleware"
	"topic-rpc/registry"
	"topic-rpc/reqctx"
	"topic-rpc/rpc"
	"topic-rpc/rpcerr"
	"topic-rpc/server"
	"topic-rpc/transport"
)

// ---- services under test ----

type Args struct {
	A int `json:"a"`
	B int `json:"b"`
}

// ComputeV1 speaks API 1.0.
type ComputeV1 struct{ host string }

func (c *ComputeV1) Add(ctx context.Context, args *Args) (int, error) {
	return args.A + args.B, nil
}

func (c *ComputeV1) Multiply(ctx context.Context, args *Args) (int, error) {
	return args.A * args.B, nil
}

func (c *ComputeV1) GetHost(ctx context.Context, args message.Args) (string, error) {
	return c.host, nil
}

func (c *ComputeV1) ListUsers(ctx context.Context, args message.Args) (server.Stream, error) {
	rc, ok := reqctx.FromContext(ctx)
	if !ok {
		return server.Values("admin"), nil
	}
	return server.Values("admin", rc.UserID), nil
}

// ComputeV12 adds a method in API 1.2.
type ComputeV12 struct{}

func (c *ComputeV12) Subtract(ctx context.Context, args *Args) (int, error) {
	return args.A - args.B, nil
}

func serve(t *testing.T, reg registry.Registry, host string) *server.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	svr := server.NewServer("compute",
		server.WithHost(host),
		server.WithRegistry(reg, 10),
		server.WithLogger(zap.NewNop()),
	)
	svr.Use(middleware.LoggingMiddleware(zap.NewNop()))
	svr.Use(middleware.TimeOutMiddleware(time.Second))
	if err := svr.Register("1.0", &ComputeV1{host: host}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register("1.2", &ComputeV12{}); err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln, "")
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	deadline := time.Now().Add(3 * time.Second)
	for {
		if instances, _ := reg.Discover(registry.HostTopic("compute", host)); len(instances) > 0 {
			return svr
		}
		if time.Now().After(deadline) {
			t.Fatalf("server %s did not register", host)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func runScenario(t *testing.T, reg registry.Registry, ct codec.CodecType) {
	serve(t, reg, "node1")
	serve(t, reg, "node2")

	tr := transport.NewTCPTransport(reg,
		transport.WithCodec(ct),
		transport.WithPoolSize(2),
		transport.WithTransportLogger(zap.NewNop()),
	)
	defer tr.Close()
	proxy := rpc.NewProxy(tr, "compute", "1.0", rpc.WithLogger(zap.NewNop()))
	ctx := reqctx.NewContext(context.Background(), reqctx.New("fake_user", "fake_project"))

	for i := 1; i <= 10; i++ {
		msg, _ := message.MakeMsg("add", message.Args{"a": i, "b": i * 10})
		got, err := proxy.Call(ctx, msg)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if got != float64(i+i*10) {
			t.Fatalf("request %d: expect %d, got %v", i, i+i*10, got)
		}
	}

	// 1.2 is only served by the newer endpoint; 1.0 callers may use it too
	msg, _ := message.MakeMsg("subtract", message.Args{"a": 9, "b": 4})
	if got, err := proxy.Call(ctx, msg, rpc.WithVersion("1.2")); err != nil || got != float64(5) {
		t.Fatalf("subtract@1.2: got %v, %v", got, err)
	}
	if got, err := proxy.Call(ctx, msg); err != nil || got != float64(5) {
		t.Fatalf("subtract@1.0 should be served by the 1.2 endpoint: got %v, %v", got, err)
	}
	for _, version := range []string{"1.3", "2.0"} {
		var ue *rpcerr.UnsupportedVersionError
		if _, err := proxy.Call(ctx, msg, rpc.WithVersion(version)); !errors.As(err, &ue) {
			t.Fatalf("%s: expect UnsupportedVersionError, got %v", version, err)
		}
	}

	// host topic routing
	msg, _ = message.MakeMsg("get_host", nil)
	if got, err := proxy.Call(ctx, msg, rpc.WithTopic("compute.node2")); err != nil || got != "node2" {
		t.Fatalf("expect node2, got %v, %v", got, err)
	}

	// multicall streams every value and sees the caller's context
	msg, _ = message.MakeMsg("list_users", nil)
	seq, err := proxy.MultiCall(ctx, msg)
	if err != nil {
		t.Fatal(err)
	}
	var users []string
	for v, err := range seq {
		if err != nil {
			t.Fatal(err)
		}
		users = append(users, v.(string))
	}
	if strings.Join(users, ",") != "admin,fake_user" {
		t.Fatalf("unexpected users %v", users)
	}

	msg, _ = message.MakeMsg("get_host", nil)
	if err := proxy.FanoutCast(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if err := proxy.CastToServer(ctx, rpc.ServerParams{Host: "node1"}, msg); err != nil {
		t.Fatal(err)
	}
}

// Proxy → TCPTransport → Registry → Balancer → Pool → Protocol → Codec → Middleware → Server
func TestFullIntegration(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			runScenario(t, registry.NewMemoryRegistry(), ct)
		})
	}
}

func TestFullIntegrationWithEtcd(t *testing.T) {
	endpoints := os.Getenv("TOPICRPC_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("TOPICRPC_ETCD_ENDPOINTS not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), registry.WithEtcdLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("failed to connect etcd: %v", err)
	}
	defer reg.Close()

	runScenario(t, reg, codec.CodecTypeJSON)
}

func TestCallWhileHoldingLock(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	serve(t, reg, "node1")
	tr := transport.NewTCPTransport(reg, transport.WithTransportLogger(zap.NewNop()))
	defer tr.Close()

	locks := lockutils.NewRegistry()
	proxy := rpc.NewProxy(tr, "compute", "1.0", rpc.WithDebug(true), rpc.WithLockRegistry(locks), rpc.WithLogger(zap.NewNop()))
	msg, _ := message.MakeMsg("add", message.Args{"a": 1, "b": 1})

	err := locks.Synchronized(context.Background(), "detecting", "test-", func(ctx context.Context) error {
		if !locks.LockHeld(ctx) {
			t.Error("expect lock held")
		}
		got, err := proxy.Call(ctx, msg)
		if err == nil && got != float64(2) {
			t.Errorf("expect 2, got %v", got)
		}
		return err
	})
	if err != nil {
		t.Fatalf("call under lock must still go through: %v", err)
	}
}
