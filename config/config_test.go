package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.ResponseTimeout != 60*time.Second {
		t.Fatalf("default response timeout: %s", c.ResponseTimeout)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("TOPICRPC_RESPONSE_TIMEOUT", "90")
	t.Setenv("TOPICRPC_HEARTBEAT_INTERVAL", "1m30s")
	t.Setenv("TOPICRPC_DEBUG", "true")
	t.Setenv("TOPICRPC_CODEC", "binary")
	t.Setenv("TOPICRPC_POOL_SIZE", "8")
	t.Setenv("TOPICRPC_ETCD_ENDPOINTS", "10.0.0.1:2379, 10.0.0.2:2379,")
	t.Setenv("TOPICRPC_CAST_RATE", "12.5")
	t.Setenv("TOPICRPC_CAST_BURST", "3")
	t.Setenv("TOPICRPC_SNS_TOPIC_ARN_PREFIX", "arn:aws:sns:us-east-1:123456789012:")
	t.Setenv("TOPICRPC_LOG_LEVEL", "   ")

	c, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.ResponseTimeout = 90 * time.Second
	want.HeartbeatInterval = 90 * time.Second
	want.Debug = true
	want.Codec = "binary"
	want.PoolSize = 8
	want.EtcdEndpoints = []string{"10.0.0.1:2379", "10.0.0.2:2379"}
	want.CastRate = 12.5
	want.CastBurst = 3
	want.SNSTopicARNPrefix = "arn:aws:sns:us-east-1:123456789012:"
	if !reflect.DeepEqual(c, want) {
		t.Fatalf("got %+v\nwant %+v", c, want)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestFromEnvReportsEveryBadValue(t *testing.T) {
	t.Setenv("TOPICRPC_RESPONSE_TIMEOUT", "soon")
	t.Setenv("TOPICRPC_POOL_SIZE", "many")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("expect error")
	}
	for _, name := range []string{"TOPICRPC_RESPONSE_TIMEOUT", "TOPICRPC_POOL_SIZE"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error %q does not name %s", err, name)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"negative timeout": func(c *Config) { c.ResponseTimeout = -time.Second },
		"unknown codec":    func(c *Config) { c.Codec = "xml" },
		"unknown balancer": func(c *Config) { c.Balancer = "random" },
		"unknown level":    func(c *Config) { c.LogLevel = "loud" },
		"empty pool":       func(c *Config) { c.PoolSize = 0 },
		"negative burst":   func(c *Config) { c.CastBurst = -1 },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expect error", name)
		}
	}
}
