package codec

import (
	"encoding/json"
	"fmt"

	"github.com/blang/semver"

	"topic-rpc/rpcerr"
)

const (
	VersionKey = "oslo.version"
	MessageKey = "oslo.message"

	// EnvelopeVersion is stamped on every message this package serializes.
	EnvelopeVersion = "2.0"
)

var envelopeVersion = semver.MustParse("2.0.0")

// Serialize JSON encodes v and wraps it in the versioned broker envelope:
//
//	{"oslo.version": "2.0", "oslo.message": "<json of v>"}
func Serialize(v any) ([]byte, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: serialize: %w", err)
	}
	return json.Marshal(map[string]string{
		VersionKey: EnvelopeVersion,
		MessageKey: string(inner),
	})
}

// Deserialize unwraps an envelope produced by Serialize into v. Data that is not an
// envelope is decoded as-is, so older senders keep working. An envelope from a different
// major version, or a newer minor, fails with *rpcerr.UnsupportedEnvelopeVersionError.
func Deserialize(data []byte, v any) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		// not an object, so not an envelope
		return json.Unmarshal(data, v)
	}
	rawVersion, hasVersion := probe[VersionKey]
	rawMessage, hasMessage := probe[MessageKey]
	if !hasVersion || !hasMessage {
		return json.Unmarshal(data, v)
	}

	var version string
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return fmt.Errorf("codec: envelope version: %w", err)
	}
	if !envelopeCompatible(version) {
		return &rpcerr.UnsupportedEnvelopeVersionError{Version: version}
	}

	var inner string
	if err := json.Unmarshal(rawMessage, &inner); err != nil {
		return fmt.Errorf("codec: envelope message: %w", err)
	}
	return json.Unmarshal([]byte(inner), v)
}

func envelopeCompatible(version string) bool {
	got, err := semver.ParseTolerant(version)
	if err != nil {
		return false
	}
	return got.Major == envelopeVersion.Major && got.Minor <= envelopeVersion.Minor
}
