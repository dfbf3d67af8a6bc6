package tunnel

import (
	"testing"
	"time"
)

func TestAdmissionGateBlocksOverLimit(t *testing.T) {
	g := NewAdmissionGate(2, time.Minute)
	addr := "203.0.113.5:4444"
	if !g.Allow(addr) {
		t.Fatal("first attempt should be allowed")
	}
	if !g.Allow(addr) {
		t.Fatal("second attempt should be allowed")
	}
	if g.Allow(addr) {
		t.Fatal("third attempt should be rejected")
	}
}

func TestAdmissionGateTracksPerHost(t *testing.T) {
	g := NewAdmissionGate(1, time.Minute)
	if !g.Allow("198.51.100.1:1") {
		t.Fatal("first host first attempt should be allowed")
	}
	if !g.Allow("198.51.100.2:1") {
		t.Fatal("second host should not be limited by the first host's usage")
	}
	if g.Allow("198.51.100.1:2") {
		t.Fatal("first host's second attempt (different port) should still be rejected")
	}
}
