package registry

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/trianglecurling/stream-orchestrator/internal/model"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	sent   [][]byte
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.sent = append(c.sent, data)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry() *Registry {
	return New(zerolog.Nop())
}

func TestHelloRegistersNewAgentIdle(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{}

	res := r.Hello("agent-1", "worker-1", "1.0.0", model.Capabilities{Slots: 1}, "10.0.0.1", conn, "")
	if res.ReplacedPrevious {
		t.Fatal("expected no previous connection replaced")
	}

	a, ok := r.Get("agent-1")
	if !ok {
		t.Fatal("expected agent to be registered")
	}
	if a.State != model.AgentIdle {
		t.Fatalf("expected new agent to be IDLE, got %s", a.State)
	}
	if a.SocketVersion != res.SocketVersion {
		t.Fatalf("expected agent snapshot socket version %d to match hello result %d", a.SocketVersion, res.SocketVersion)
	}
}

func TestHelloReplacesStaleConnection(t *testing.T) {
	r := newTestRegistry()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Hello("agent-1", "worker-1", "1.0.0", model.Capabilities{}, "10.0.0.1", first, "")
	res := r.Hello("agent-1", "worker-1", "1.0.0", model.Capabilities{}, "10.0.0.2", second, "")

	if !res.ReplacedPrevious {
		t.Fatal("expected second hello to report replacement")
	}
	if !first.isClosed() {
		t.Fatal("expected stale connection to be closed")
	}
	if r.Conn("agent-1") != Conn(second) {
		t.Fatal("expected registry to hold the new connection")
	}
}

func TestTryReserveOnlyIdleNonDraining(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{}
	r.Hello("agent-1", "worker-1", "1.0.0", model.Capabilities{}, "10.0.0.1", conn, "")

	if !r.TryReserve("agent-1", "job-1") {
		t.Fatal("expected reservation of an idle connected agent to succeed")
	}
	if r.TryReserve("agent-1", "job-2") {
		t.Fatal("expected reservation of an already-reserved agent to fail")
	}

	r.Revert("agent-1")
	a, _ := r.Get("agent-1")
	if a.State != model.AgentIdle || a.CurrentJobID != "" {
		t.Fatalf("expected revert to restore IDLE with no job, got state=%s job=%s", a.State, a.CurrentJobID)
	}

	r.SetDraining("agent-1", true)
	if r.TryReserve("agent-1", "job-3") {
		t.Fatal("expected reservation of a draining agent to fail")
	}
}

func TestTryReserveRejectsUnknownOrDisconnectedAgent(t *testing.T) {
	r := newTestRegistry()
	if r.TryReserve("ghost", "job-1") {
		t.Fatal("expected reservation of an unknown agent to fail")
	}
}

func TestDisconnectIgnoresStaleSocketVersion(t *testing.T) {
	r := newTestRegistry()
	conn1 := &fakeConn{}
	res1 := r.Hello("agent-1", "worker-1", "1.0.0", model.Capabilities{}, "10.0.0.1", conn1, "")

	conn2 := &fakeConn{}
	r.Hello("agent-1", "worker-1", "1.0.0", model.Capabilities{}, "10.0.0.2", conn2, "")

	// A close callback for the superseded connection must not clobber the
	// state of the connection that replaced it.
	r.Disconnect("agent-1", res1.SocketVersion)

	a, _ := r.Get("agent-1")
	if a.State == model.AgentOffline {
		t.Fatal("expected stale disconnect to be ignored, agent should not be OFFLINE")
	}
}

func TestSweepTimeoutsReapsSilentAgents(t *testing.T) {
	r := newTestRegistry()
	conn := &fakeConn{}
	r.Hello("agent-1", "worker-1", "1.0.0", model.Capabilities{}, "10.0.0.1", conn, "")

	// A zero timeout treats any LastSeenAt in the past as expired.
	reaped := r.SweepTimeouts(0)
	if len(reaped) != 1 {
		t.Fatalf("expected 1 agent reaped, got %d", len(reaped))
	}
	if !conn.isClosed() {
		t.Fatal("expected reaped agent's connection to be closed")
	}

	a, _ := r.Get("agent-1")
	if a.State != model.AgentOffline {
		t.Fatalf("expected reaped agent to be OFFLINE, got %s", a.State)
	}
}

func TestIdleCandidatesExcludesDrainingAndBusy(t *testing.T) {
	r := newTestRegistry()
	r.Hello("idle", "w", "1.0.0", model.Capabilities{}, "10.0.0.1", &fakeConn{}, "")
	r.Hello("draining", "w", "1.0.0", model.Capabilities{}, "10.0.0.2", &fakeConn{}, "")
	r.SetDraining("draining", true)
	r.Hello("busy", "w", "1.0.0", model.Capabilities{}, "10.0.0.3", &fakeConn{}, "")
	r.TryReserve("busy", "job-1")

	candidates := r.IdleCandidates()
	if len(candidates) != 1 || candidates[0].AgentID != "idle" {
		t.Fatalf("expected only the idle agent as a candidate, got %+v", candidates)
	}
}

func TestSubscribeReceivesNotifications(t *testing.T) {
	r := newTestRegistry()

	var mu sync.Mutex
	var seen []model.Agent
	r.Subscribe(func(a model.Agent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, a)
	})

	r.Hello("agent-1", "w", "1.0.0", model.Capabilities{}, "10.0.0.1", &fakeConn{}, "")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].AgentID != "agent-1" {
		t.Fatalf("expected one notification for agent-1, got %+v", seen)
	}
}
