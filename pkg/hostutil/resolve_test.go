package hostutil

import (
	"context"
	"testing"
	"time"
)

func TestResolveDialAddrsIPLiteralShortCircuits(t *testing.T) {
	ctx := context.Background()
	addrs, err := ResolveDialAddrs(ctx, "127.0.0.1")
	if err != nil {
		t.Fatalf("ResolveDialAddrs: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Fatalf("addrs = %v, want [127.0.0.1]", addrs)
	}
}

func TestResolveDialAddrsLocalhost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := ResolveDialAddrs(ctx, "localhost")
	if err != nil {
		t.Fatalf("ResolveDialAddrs: %v", err)
	}
	if len(addrs) == 0 {
		t.Fatal("expected at least one resolved address for localhost")
	}
}
