package codec

// Envelope is the body of every TCP frame.
//
// On a request, Topic/Method/Version address the endpoint, Context holds the packed
// request context and Payload the JSON encoded arguments. On a reply, Payload holds one
// JSON encoded result and Error a serialized failure (see EncodeFailure).
type Envelope struct {
	Topic   string `json:"topic,omitempty"`
	Method  string `json:"method,omitempty"`
	Version string `json:"version,omitempty"`
	Context []byte `json:"context,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}
