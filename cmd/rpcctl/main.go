package main

/*
* CLI to call, cast to and serve RPC topics
 */

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"topic-rpc/config"
)

func env(name string) string {
	return config.EnvPrefix + name
}

func globalFlags(d config.Config) []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:   "transport, t",
			Value:  "tcp",
			Usage:  "transport to use: tcp, sqs or http",
			EnvVar: env("TRANSPORT"),
		},
		cli.StringFlag{
			Name:   "codec",
			Value:  d.Codec,
			Usage:  "tcp wire codec: json or binary",
			EnvVar: env("CODEC"),
		},
		cli.DurationFlag{
			Name:   "response-timeout",
			Value:  d.ResponseTimeout,
			Usage:  "how long a call waits when --timeout is not given",
			EnvVar: env("RESPONSE_TIMEOUT"),
		},
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "warn about calls made while holding a lock",
			EnvVar: env("DEBUG"),
		},
		cli.StringFlag{
			Name:   "etcd",
			Value:  joinList(d.EtcdEndpoints),
			Usage:  "comma separated etcd endpoints of the topic registry",
			EnvVar: env("ETCD_ENDPOINTS"),
		},
		cli.StringFlag{
			Name:   "balancer",
			Value:  d.Balancer,
			Usage:  "round_robin, weighted_random or consistent_hash",
			EnvVar: env("BALANCER"),
		},
		cli.IntFlag{
			Name:   "pool-size",
			Value:  d.PoolSize,
			Usage:  "connections per server",
			EnvVar: env("POOL_SIZE"),
		},
		cli.DurationFlag{
			Name:   "heartbeat",
			Value:  d.HeartbeatInterval,
			Usage:  "heartbeat interval on idle connections",
			EnvVar: env("HEARTBEAT_INTERVAL"),
		},
		cli.DurationFlag{
			Name:   "discovery-ttl",
			Value:  d.DiscoveryCacheTTL,
			Usage:  "how long discovered servers are cached",
			EnvVar: env("DISCOVERY_CACHE_TTL"),
		},
		cli.Int64Flag{
			Name:   "registration-ttl",
			Value:  d.RegistrationTTL,
			Usage:  "lease of a served topic in the registry, in seconds",
			EnvVar: env("REGISTRATION_TTL"),
		},
		cli.Float64Flag{
			Name:   "cast-rate",
			Usage:  "casts per second, 0 for unlimited",
			EnvVar: env("CAST_RATE"),
		},
		cli.IntFlag{
			Name:   "cast-burst",
			Usage:  "cast burst size",
			EnvVar: env("CAST_BURST"),
		},
		cli.StringFlag{
			Name:   "lock-path",
			Value:  d.LockPath,
			Usage:  "directory of external lock files",
			EnvVar: env("LOCK_PATH"),
		},
		cli.StringFlag{
			Name:   "log-level",
			Value:  d.LogLevel,
			Usage:  "debug, info, warn or error",
			EnvVar: env("LOG_LEVEL"),
		},
		cli.StringFlag{
			Name:   "aws-region",
			Value:  d.AWSRegion,
			EnvVar: env("AWS_REGION"),
		},
		cli.StringFlag{
			Name:   "sqs-reply-queue",
			Usage:  "reply queue name, a private queue when empty",
			EnvVar: env("SQS_REPLY_QUEUE"),
		},
		cli.StringFlag{
			Name:   "sns-topic-arn-prefix",
			Usage:  "prefix of fanout topic ARNs, e.g. arn:aws:sns:us-east-1:123456789012:",
			EnvVar: env("SNS_TOPIC_ARN_PREFIX"),
		},
		cli.StringFlag{
			Name:   "gateway-url",
			Value:  d.GatewayURL,
			Usage:  "JSON-RPC gateway used by the http transport",
			EnvVar: env("GATEWAY_URL"),
		},
	}
}

var messageFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "topic",
		Usage: "topic to address",
	},
	cli.StringFlag{
		Name:  "method, m",
		Usage: "remote method name",
	},
	cli.StringSliceFlag{
		Name:  "arg, a",
		Usage: "argument as key=value; values that parse as JSON are sent as JSON",
	},
	cli.StringFlag{
		Name:  "version",
		Value: "1.0",
		Usage: "API version the responder must speak",
	},
	cli.StringFlag{
		Name:  "user",
		Usage: "user ID carried in the request context",
	},
	cli.StringFlag{
		Name:  "project",
		Usage: "project ID carried in the request context",
	},
	cli.StringFlag{
		Name:  "lock",
		Usage: "hold the named external lock while dispatching",
	},
}

var callFlags = append([]cli.Flag{
	cli.DurationFlag{
		Name:  "timeout",
		Usage: "how long to wait for replies",
	},
}, messageFlags...)

var castFlags = append([]cli.Flag{
	cli.StringFlag{
		Name:  "server-host",
		Usage: "deliver to the server consuming topic.<host>",
	},
	cli.StringFlag{
		Name:  "server-addr",
		Usage: "deliver to the server at this address",
	},
}, messageFlags...)

func main() {
	defaults, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		defaults = config.Default()
	}

	app := cli.NewApp()
	app.Name = "rpcctl"
	app.Usage = "call, cast to and serve RPC topics"
	app.Flags = globalFlags(defaults)
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "call",
			Usage:  "Call a method and print its reply",
			Flags:  callFlags,
			Action: callCommand,
		},
		cli.Command{
			Name:   "multicall",
			Usage:  "Call a method and print every reply it streams",
			Flags:  callFlags,
			Action: multiCallCommand,
		},
		cli.Command{
			Name:   "cast",
			Usage:  "Send a method to one consumer of a topic without waiting",
			Flags:  castFlags,
			Action: castCommand,
		},
		cli.Command{
			Name:   "fanout",
			Usage:  "Send a method to every consumer of a topic",
			Flags:  castFlags,
			Action: fanoutCommand,
		},
		cli.Command{
			Name:  "serve",
			Usage: "Serve ping, echo and count on a topic",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "topic",
					Usage: "topic to consume",
				},
				cli.StringFlag{
					Name:  "host",
					Usage: "host name, also consumed as topic.<host>",
				},
				cli.StringFlag{
					Name:  "listen, l",
					Value: "127.0.0.1:0",
					Usage: "tcp address to listen on",
				},
				cli.StringFlag{
					Name:  "advertise",
					Usage: "address registered for this server, the listen address when empty",
				},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:  "gateway",
			Usage: "Serve a JSON-RPC gateway in front of the tcp or sqs transport",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Value: "127.0.0.1:8080",
				},
				cli.StringFlag{
					Name:  "path",
					Value: "/rpc",
				},
			},
			Action: gatewayCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
