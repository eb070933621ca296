package reqctx

import (
	"context"
	"strings"
	"testing"
)

func TestNewRequestContext(t *testing.T) {
	rc := New("fake_user", "fake_project")
	if rc.UserID != "fake_user" || rc.ProjectID != "fake_project" {
		t.Fatalf("unexpected identity: %+v", rc)
	}
	if !strings.HasPrefix(rc.RequestID, "req-") {
		t.Fatalf("request id %q missing req- prefix", rc.RequestID)
	}
	if New("a", "b").RequestID == rc.RequestID {
		t.Fatal("request ids must be unique")
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expect no request context on background")
	}

	rc := New("fake_user", "fake_project")
	ctx := NewContext(context.Background(), rc)
	got, ok := FromContext(ctx)
	if !ok || got != rc {
		t.Fatalf("expect the same pointer back, got %v", got)
	}
}

func TestMapRoundTrip(t *testing.T) {
	rc := New("fake_user", "fake_project")
	rc.IsAdmin = true
	rc.ShowDeleted = true

	back := FromMap(rc.ToMap())
	if *back != *rc {
		t.Fatalf("got %+v, want %+v", back, rc)
	}
}
