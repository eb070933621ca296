// Package rpcerr holds the failures a transport can surface through the proxy.
package rpcerr

import (
	"errors"
	"fmt"
)

const unknown = "<unknown>"

var (
	ErrNoInstances = errors.New("rpc: no instances consuming topic")
	ErrClosed      = errors.New("rpc: transport closed")
)

// TimeoutError is raised when a blocking call or multicall exceeds its deadline.
// Topic and Method identify the request that was dispatched; Info is whatever
// diagnostic text the transport or the responding party supplied.
type TimeoutError struct {
	Info   string
	Topic  string
	Method string
}

func NewTimeout(info string) *TimeoutError {
	return &TimeoutError{Info: info}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf(`Timeout while waiting on RPC response - topic: "%s", RPC method: "%s" info: "%s"`,
		orUnknown(e.Topic), orUnknown(e.Method), orUnknown(e.Info))
}

// IsTimeout reports whether any error in err's chain is a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// RemoteError is a failure raised by the responder and carried back over the wire.
type RemoteError struct {
	ExcType   string `json:"exc_type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("Remote error: %s %s\n%s.", orUnknown(e.ExcType), orUnknown(e.Value), e.Traceback)
}

// UnsupportedVersionError means no endpoint on the responder speaks the requested API version.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("Specified RPC version, %s, not supported by this endpoint.", e.Version)
}

// UnsupportedEnvelopeVersionError means a wire envelope was produced by a newer, incompatible sender.
type UnsupportedEnvelopeVersionError struct {
	Version string
}

func (e *UnsupportedEnvelopeVersionError) Error() string {
	return fmt.Sprintf("Specified RPC envelope version, %s, not supported by this endpoint.", e.Version)
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
