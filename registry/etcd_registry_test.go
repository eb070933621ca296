package registry

import (
	"os"
	"strings"
	"testing"
	"time"
)

func etcdEndpoints(t *testing.T) []string {
	t.Helper()
	v := os.Getenv("TOPICRPC_ETCD_ENDPOINTS")
	if v == "" {
		t.Skip("TOPICRPC_ETCD_ENDPOINTS not set")
	}
	return strings.Split(v, ",")
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Host: "node1", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Host: "node2", Weight: 5, Version: "1.0"}

	if err := reg.Register("compute", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("compute", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("compute")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister("compute", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover("compute")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr || instances[0].Host != "node2" {
		t.Fatalf("expect %s, got %+v", inst2.Addr, instances[0])
	}

	reg.Deregister("compute", inst2.Addr)
}

func TestEtcdWatch(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t))
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()

	ch := reg.Watch("network")
	time.Sleep(100 * time.Millisecond)

	inst := ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}
	if err := reg.Register("network", inst, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister("network", inst.Addr)

	select {
	case instances := <-ch:
		if len(instances) != 1 || instances[0].Addr != inst.Addr {
			t.Fatalf("unexpected watch update: %+v", instances)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no watch update")
	}
}
