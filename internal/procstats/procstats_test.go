package procstats

import (
	"os"
	"testing"
)

func TestSampleSelfProcessPopulatesCache(t *testing.T) {
	c := NewCache()
	c.Sample("self", os.Getpid())

	sample, ok := c.Get("self")
	if !ok {
		t.Fatal("expected a cached sample for the current process")
	}
	if sample.RSSBytes == 0 {
		t.Fatal("expected a non-zero RSS reading for the current process")
	}
}

func TestSampleUnknownPIDDropsCache(t *testing.T) {
	c := NewCache()
	c.Sample("self", os.Getpid())
	if _, ok := c.Get("self"); !ok {
		t.Fatal("precondition: expected a cached sample")
	}

	c.Sample("self", 1<<30) // implausible pid
	if _, ok := c.Get("self"); ok {
		t.Fatal("expected Sample to drop the cached entry on failure")
	}
}

func TestDropRemovesEntry(t *testing.T) {
	c := NewCache()
	c.Sample("self", os.Getpid())
	c.Drop("self")
	if _, ok := c.Get("self"); ok {
		t.Fatal("expected Drop to remove the cached sample")
	}
}
