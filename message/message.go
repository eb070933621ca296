// Package message defines the request envelope handed to a transport.
//
// A Message is built once per invocation by MakeMsg, stamped with an API version by the
// proxy, and consumed by exactly one transport call.
package message

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Args carries the keyword arguments of a remote method.
type Args map[string]any

// Message is the versioned request envelope.
//
//   - Method:  remote method name, e.g. "reboot_instance"
//   - Args:    keyword arguments, exactly as supplied to MakeMsg
//   - Version: API version the caller expects the responder to speak; empty until stamped
type Message struct {
	Method  string `json:"method"`
	Args    Args   `json:"args"`
	Version string `json:"version,omitempty"`
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationError reports a malformed message construction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message %s: %s", e.Field, e.Reason)
}

// MakeMsg builds an unversioned message. The returned Args is the map passed in; a nil map
// becomes an empty one.
func MakeMsg(method string, args Args) (Message, error) {
	if method == "" {
		return Message{}, &ValidationError{Field: "method", Reason: "must not be empty"}
	}
	if !identifier.MatchString(method) {
		return Message{}, &ValidationError{Field: "method", Reason: fmt.Sprintf("%q is not a valid identifier", method)}
	}
	if args == nil {
		args = Args{}
	}
	for k, v := range args {
		if _, err := json.Marshal(v); err != nil {
			return Message{}, &ValidationError{Field: "args." + k, Reason: err.Error()}
		}
	}
	return Message{Method: method, Args: args}, nil
}

// WithVersion returns a copy of m carrying version. m itself is left untouched.
func (m Message) WithVersion(version string) Message {
	m.Version = version
	return m
}
