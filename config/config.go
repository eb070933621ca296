// Package config holds the settings shared by the transports, the responder and rpcctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"topic-rpc/codec"
	"topic-rpc/loadbalance"
	"topic-rpc/logging"
)

// EnvPrefix prefixes every environment variable FromEnv reads.
const EnvPrefix = "TOPICRPC_"

type Config struct {
	// ResponseTimeout bounds a call made without an explicit timeout.
	ResponseTimeout time.Duration
	// Debug enables the held-lock check on outgoing calls.
	Debug bool
	Codec string

	PoolSize          int
	HeartbeatInterval time.Duration
	Balancer          string

	EtcdEndpoints     []string
	DiscoveryCacheTTL time.Duration
	RegistrationTTL   int64

	// CastRate limits casts per second; zero disables the limit.
	CastRate  float64
	CastBurst int

	// LockPath is where external locks are created.
	LockPath string
	LogLevel string

	AWSRegion         string
	SQSReplyQueue     string
	SNSTopicARNPrefix string

	GatewayURL string
}

func Default() Config {
	return Config{
		ResponseTimeout:   60 * time.Second,
		Codec:             "json",
		PoolSize:          4,
		HeartbeatInterval: 30 * time.Second,
		Balancer:          "round_robin",
		EtcdEndpoints:     []string{"127.0.0.1:2379"},
		DiscoveryCacheTTL: 5 * time.Second,
		RegistrationTTL:   10,
		LockPath:          os.TempDir(),
		LogLevel:          "info",
		AWSRegion:         "us-east-1",
		GatewayURL:        "http://127.0.0.1:8080/rpc",
	}
}

// FromEnv returns Default overlaid with the TOPICRPC_* variables that are set.
// Durations accept Go syntax ("1m30s") or plain seconds ("90").
func FromEnv() (Config, error) {
	c := Default()
	var errs []error
	env := func(name string) (string, bool) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := env(name); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	str := func(name string, dst *string) {
		if v, ok := env(name); ok {
			*dst = v
		}
	}

	duration("RESPONSE_TIMEOUT", &c.ResponseTimeout)
	duration("HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	duration("DISCOVERY_CACHE_TTL", &c.DiscoveryCacheTTL)
	integer("POOL_SIZE", &c.PoolSize)
	integer("CAST_BURST", &c.CastBurst)
	str("CODEC", &c.Codec)
	str("BALANCER", &c.Balancer)
	str("LOCK_PATH", &c.LockPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("AWS_REGION", &c.AWSRegion)
	str("SQS_REPLY_QUEUE", &c.SQSReplyQueue)
	str("SNS_TOPIC_ARN_PREFIX", &c.SNSTopicARNPrefix)
	str("GATEWAY_URL", &c.GatewayURL)

	if v, ok := env("DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sDEBUG: %w", EnvPrefix, err))
		}
		c.Debug = b
	}
	if v, ok := env("CAST_RATE"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCAST_RATE: %w", EnvPrefix, err))
		}
		c.CastRate = r
	}
	if v, ok := env("REGISTRATION_TTL"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sREGISTRATION_TTL: %w", EnvPrefix, err))
		}
		c.RegistrationTTL = n
	}
	if v, ok := env("ETCD_ENDPOINTS"); ok {
		c.EtcdEndpoints = SplitList(v)
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ParseDuration accepts Go duration syntax or a whole number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// SplitList splits a comma separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	for name, d := range map[string]time.Duration{
		"response timeout":    c.ResponseTimeout,
		"heartbeat interval":  c.HeartbeatInterval,
		"discovery cache ttl": c.DiscoveryCacheTTL,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("config: negative %s %s", name, d))
		}
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if _, err := loadbalance.New(c.Balancer); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if c.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("config: pool size must be positive, got %d", c.PoolSize))
	}
	if c.CastRate < 0 || c.CastBurst < 0 {
		errs = append(errs, errors.New("config: negative cast rate or burst"))
	}
	return errors.Join(errs...)
}
