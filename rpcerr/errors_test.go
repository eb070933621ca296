package rpcerr

import (
	"fmt"
	"testing"
)

func TestTimeoutRendering(t *testing.T) {
	err := &TimeoutError{Info: "The spider got you", Topic: "fake_topic", Method: "fake_method"}
	want := `Timeout while waiting on RPC response - topic: "fake_topic", RPC method: "fake_method" info: "The spider got you"`
	if err.Error() != want {
		t.Fatalf("got %s\nwant %s", err.Error(), want)
	}
}

func TestTimeoutRenderingUnknown(t *testing.T) {
	want := `Timeout while waiting on RPC response - topic: "<unknown>", RPC method: "<unknown>" info: "<unknown>"`
	if got := NewTimeout("").Error(); got != want {
		t.Fatalf("got %s\nwant %s", got, want)
	}
}

func TestIsTimeout(t *testing.T) {
	wrapped := fmt.Errorf("waiting for reply: %w", NewTimeout("late"))
	if !IsTimeout(wrapped) {
		t.Fatal("expect wrapped timeout to be detected")
	}
	if IsTimeout(ErrClosed) {
		t.Fatal("ErrClosed is not a timeout")
	}
}

func TestRemoteErrorRendering(t *testing.T) {
	err := &RemoteError{ExcType: "ValueError", Value: "bad host", Traceback: "frame 1"}
	want := "Remote error: ValueError bad host\nframe 1."
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}
