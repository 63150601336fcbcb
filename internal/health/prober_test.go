package health

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func listenerPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return port
}

func TestProbeOnceHealthyWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	target := Target{Hostname: "127.0.0.1", Port: listenerPort(t, ln)}
	if !probeOnce(context.Background(), target) {
		t.Fatal("expected healthy probe against a listening port")
	}
}

func TestProbeOnceUnhealthyWhenNothingListening(t *testing.T) {
	target := Target{Hostname: "127.0.0.1", Port: 1} // privileged, unlikely to be bound
	if probeOnce(context.Background(), target) {
		t.Fatal("expected unhealthy probe against a closed port")
	}
}

func TestStartInvokesOnEventAfterFirstProbeDelay(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	results := make(chan bool, 1)
	p := Start(Target{Hostname: "127.0.0.1", Port: listenerPort(t, ln)}, func(healthy bool) {
		select {
		case results <- healthy:
		default:
		}
	})
	defer p.Stop()

	select {
	case healthy := <-results:
		if !healthy {
			t.Fatal("expected first probe to report healthy")
		}
	case <-time.After(FirstProbeDelay + 2*time.Second):
		t.Fatal("timed out waiting for first probe result")
	}
}
