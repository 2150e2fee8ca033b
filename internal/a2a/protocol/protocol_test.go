package protocol

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/google/uuid"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/delegation"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/discovery"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/fabric"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/pii"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/store"
)

func TestSendAndReceiveNonRequestMessage(t *testing.T) {
	p := New()
	p.RegisterAgent("a")
	p.RegisterAgent("b")

	msg := Envelope{
		ID: uuid.NewString(), Type: TypeContextShare, FromAgent: "a", ToAgent: "b",
		CorrelationID: uuid.NewString(), Payload: map[string]any{"key": "value"},
	}
	if _, err := p.Send(context.Background(), msg, 0); err != nil {
		t.Fatalf("send: %v", err)
	}

	received, err := p.Receive("b", time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if received == nil || received.Payload["key"] != "value" {
		t.Fatalf("expected to receive the sent message, got %+v", received)
	}
}

func TestSendToUnknownAgentFails(t *testing.T) {
	p := New()
	p.RegisterAgent("a")
	_, err := p.Send(context.Background(), Envelope{ID: uuid.NewString(), Type: TypePing, FromAgent: "a", ToAgent: "ghost"}, 0)
	if err == nil {
		t.Fatal("expected send to an unregistered agent to fail")
	}
}

func TestSendRequestTimesOutWithNilReply(t *testing.T) {
	p := New()
	p.RegisterAgent("a")
	p.RegisterAgent("b")

	msg := Envelope{
		ID: uuid.NewString(), Type: TypePing, FromAgent: "a", ToAgent: "b", CorrelationID: uuid.NewString(),
	}
	reply, err := p.Send(context.Background(), msg, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("expected timeout to be a nil reply, not an error: %v", err)
	}
	if reply != nil {
		t.Fatalf("expected nil reply on timeout, got %+v", reply)
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	p := New()
	p.RegisterAgent("a")
	p.RegisterAgent("b")
	RegisterBuiltins(p, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpInbox(ctx, p, "b")

	msg := Envelope{ID: uuid.NewString(), Type: TypePing, FromAgent: "a", ToAgent: "b", CorrelationID: uuid.NewString()}
	reply, err := p.Send(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || reply.Type != TypePong {
		t.Fatalf("expected a PONG reply, got %+v", reply)
	}
}

func TestDiscoverHandlerReturnsMatchingAgents(t *testing.T) {
	p := New()
	p.RegisterAgent("a")
	p.RegisterAgent("registry-agent")
	registry := discovery.NewRegistry()
	registry.Register(discovery.AgentCard{
		AgentID: "worker-1", TenantID: "t1", TrustLevel: 0.7,
		Capabilities: []discovery.Capability{{ID: "summarize"}}, Health: discovery.HealthHealthy,
	})
	RegisterBuiltins(p, registry, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpInbox(ctx, p, "registry-agent")

	msg := Envelope{
		ID: uuid.NewString(), Type: TypeDiscover, FromAgent: "a", ToAgent: "registry-agent",
		CorrelationID: uuid.NewString(), Payload: map[string]any{"capability_ids": []any{"summarize"}},
	}
	reply, err := p.Send(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || reply.Type != TypeDiscoverResponse {
		t.Fatalf("expected a DISCOVER_RESPONSE, got %+v", reply)
	}
	if count, _ := reply.Payload["count"].(int); count != 1 {
		t.Fatalf("expected 1 matching agent, got payload %+v", reply.Payload)
	}
}

func TestDelegateHandlerAcceptsOrRejects(t *testing.T) {
	p := New()
	p.RegisterAgent("delegator")
	p.RegisterAgent("engine-agent")
	registry := discovery.NewRegistry()
	registry.Register(discovery.AgentCard{
		AgentID: "engine-agent", TenantID: "t1", TrustLevel: 0.9,
		Capabilities: []discovery.Capability{{ID: "x"}}, CanAcceptDelegation: true, Health: discovery.HealthHealthy,
	})
	engine := newTestDelegationEngine(t, registry)
	RegisterBuiltins(p, registry, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpInbox(ctx, p, "engine-agent")

	msg := Envelope{
		ID: uuid.NewString(), Type: TypeDelegate, FromAgent: "delegator", ToAgent: "engine-agent",
		CorrelationID: uuid.NewString(),
		Payload:       map[string]any{"tenant_id": "t1", "capability_id": "x", "input": "do the thing"},
	}
	reply, err := p.Send(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || reply.Type != TypeDelegateAccept {
		t.Fatalf("expected a DELEGATE_ACCEPT, got %+v", reply)
	}
}

func TestExecuteHandlerRoutesThroughFabric(t *testing.T) {
	p := New()
	p.RegisterAgent("caller")
	p.RegisterAgent("fabric-agent")
	registry := fabric.NewRegistry()
	registry.Seed("t1", fabric.PresetScrappy)
	if err := registry.SetRoute("t1", fabric.PresetScrappy, fabric.RouteKey{TargetSystem: fabric.SystemCRM, ActionType: "create"},
		fabric.Route{DirectEndpoint: "http://example.invalid/crm", DirectMethod: "POST"}); err != nil {
		t.Fatalf("set route: %v", err)
	}
	router := fabric.NewRouter(registry, nil, nil, nil)
	RegisterBuiltins(p, nil, nil, router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pumpInbox(ctx, p, "fabric-agent")

	msg := Envelope{
		ID: uuid.NewString(), Type: TypeExecute, FromAgent: "caller", ToAgent: "fabric-agent",
		CorrelationID: uuid.NewString(),
		Payload: map[string]any{
			"tenant_id": "t1", "target_system": "crm", "action_type": "create", "entity_id": "123",
		},
	}
	reply, err := p.Send(context.Background(), msg, 2*time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if reply == nil || reply.Type != TypeExecuteResponse {
		t.Fatalf("expected an EXECUTE_RESPONSE, got %+v", reply)
	}
	if reply.Payload["fabric_preset"] != string(fabric.PresetScrappy) {
		t.Fatalf("expected fabric_preset scrappy, got %+v", reply.Payload)
	}
}

// pumpInbox continuously drains agentID's inbox through p.Process until ctx is cancelled,
// simulating that agent's own message loop.
func pumpInbox(ctx context.Context, p *Protocol, agentID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := p.Receive(agentID, 50*time.Millisecond)
		if err != nil || msg == nil {
			continue
		}
		_ = p.Process(ctx, agentID, *msg)
	}
}

type noopTelemetrySink struct{}

func (noopTelemetrySink) Record(context.Context, pii.TelemetryRecord) {}

func newTestDelegationEngine(t *testing.T, registry *discovery.Registry) *delegation.Engine {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "delegation.db")
	db, err := store.OpenBolt(dbPath, "delegation_requests")
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	boltStore, err := store.NewBoltStore(db, "delegation_requests", noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("new bolt store: %v", err)
	}
	resolver, err := pii.NewPolicyResolver(context.Background())
	if err != nil {
		t.Fatalf("new policy resolver: %v", err)
	}
	gate := pii.NewGate(resolver, noopTelemetrySink{})
	return delegation.New(boltStore, registry, gate, nil)
}
