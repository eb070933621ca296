package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"topic-rpc/rpcerr"
)

// failure is the wire form of an error raised by a responder.
type failure struct {
	Class     string `json:"class"`
	Message   string `json:"message"`
	Traceback string `json:"tb,omitempty"`
	Version   string `json:"version,omitempty"`
}

const (
	classTimeout            = "Timeout"
	classUnsupportedVersion = "UnsupportedRpcVersion"
)

// EncodeFailure serializes err for the Error field of a reply. Timeouts and version
// mismatches keep their type across the wire; anything else arrives as a RemoteError.
func EncodeFailure(err error) string {
	f := failure{Class: fmt.Sprintf("%T", err), Message: err.Error()}

	var te *rpcerr.TimeoutError
	var ue *rpcerr.UnsupportedVersionError
	var re *rpcerr.RemoteError
	switch {
	case errors.As(err, &te):
		f = failure{Class: classTimeout, Message: te.Info}
	case errors.As(err, &ue):
		f = failure{Class: classUnsupportedVersion, Message: ue.Error(), Version: ue.Version}
	case errors.As(err, &re):
		f = failure{Class: re.ExcType, Message: re.Value, Traceback: re.Traceback}
	}

	data, mErr := json.Marshal(f)
	if mErr != nil {
		return err.Error()
	}
	return string(data)
}

// DecodeFailure rebuilds the error serialized by EncodeFailure. Text that is not a
// serialized failure becomes the Value of a RemoteError.
func DecodeFailure(s string) error {
	var f failure
	if err := json.Unmarshal([]byte(s), &f); err != nil || f.Class == "" {
		return &rpcerr.RemoteError{Value: s}
	}
	switch f.Class {
	case classTimeout:
		return rpcerr.NewTimeout(f.Message)
	case classUnsupportedVersion:
		return &rpcerr.UnsupportedVersionError{Version: f.Version}
	}
	return &rpcerr.RemoteError{ExcType: f.Class, Value: f.Message, Traceback: f.Traceback}
}
