package httputil

import (
	"testing"
	"time"
)

func TestPresetTimeouts(t *testing.T) {
	if got := ChatConfig().Timeout; got != 60*time.Second {
		t.Errorf("chat timeout = %v, want 60s", got)
	}
	if got := ProbeConfig().Timeout; got != 10*time.Second {
		t.Errorf("probe timeout = %v, want 10s", got)
	}
	if got := StreamConfig().Timeout; got != 0 {
		t.Errorf("stream timeout = %v, want 0 (context-governed)", got)
	}
}

func TestNewClientAppliesConfig(t *testing.T) {
	c := NewClient(ProbeConfig())
	if c.Timeout != 10*time.Second {
		t.Errorf("client timeout = %v, want 10s", c.Timeout)
	}
	if c.Transport == nil {
		t.Fatal("transport not configured")
	}
}

func TestDefaultClients(t *testing.T) {
	clients := DefaultClients()
	if clients.Chat == nil || clients.Stream == nil || clients.Probe == nil {
		t.Fatal("all three clients should be constructed")
	}
	if clients.Chat.Timeout == clients.Probe.Timeout {
		t.Error("chat and probe clients should use different deadlines")
	}
}
