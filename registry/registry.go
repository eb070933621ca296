// Package registry is the topic matchmaker: responders announce which topics they
// consume, and transports look up who to send a topic's messages to.
package registry

// ServiceInstance is one responder consuming a topic.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Host    string `json:"host,omitempty"` // server name, used for topic.host routing
	Weight  int    `json:"weight"`         // weight for load balancing
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register announces instance as a consumer of topic. The entry expires ttl seconds
	// after the registrant stops renewing it; registries without leases ignore ttl.
	Register(topic string, instance ServiceInstance, ttl int64) error
	Deregister(topic string, addr string) error
	Discover(topic string) ([]ServiceInstance, error)
	// Watch emits the full instance list of topic each time it changes.
	Watch(topic string) <-chan []ServiceInstance
}

// HostTopic is the topic a server named host consumes for messages addressed to it.
func HostTopic(topic, host string) string {
	return topic + "." + host
}
