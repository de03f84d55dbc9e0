package actor

import (
	"context"
	"strings"
	"testing"
)

func TestWithActor(t *testing.T) {
	ctx := WithActor(context.Background(), "cli:alice")
	if got := Actor(ctx); got != "cli:alice" {
		t.Errorf("Actor = %q", got)
	}
	if got := Actor(WithActor(ctx, "")); got != "cli:alice" {
		t.Errorf("empty id should keep the outer actor, got %q", got)
	}
	if got := Actor(context.Background()); got != "" {
		t.Errorf("Actor on bare context = %q", got)
	}
	if got := Actor(nil); got != "" {
		t.Errorf("Actor(nil) = %q", got)
	}
}

func TestLocal(t *testing.T) {
	if got := Local(); !strings.HasPrefix(got, "cli") {
		t.Errorf("Local() = %q", got)
	}
}
