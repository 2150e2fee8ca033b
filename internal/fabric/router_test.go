package fabric

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

func TestScrappyDirectRouteSubstitutesEntityID(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	registry := NewRegistry()
	registry.Seed("tenant-1", PresetScrappy)
	key := RouteKey{TargetSystem: SystemCRM, ActionType: "update_contact"}
	if err := registry.SetRoute("tenant-1", PresetScrappy, key, Route{
		DirectEndpoint: server.URL + "/contacts/{id}",
		DirectMethod:   http.MethodPost,
	}); err != nil {
		t.Fatalf("set route: %v", err)
	}

	router := NewRouter(registry, server.Client(), nil, nil)
	action := router.Route(context.Background(), "tenant-1",
		Payload{TargetSystem: SystemCRM, ActionType: "update_contact", EntityID: "42"}, "agent-1", "corr-1")

	if action.Status != RoutedCompleted {
		t.Fatalf("expected completed, got %s (%s)", action.Status, action.Error)
	}
	if gotPath != "/contacts/42" {
		t.Fatalf("expected entity id substitution, got path %s", gotPath)
	}
}

func TestDirectEndpointRejectedOutsideScrappy(t *testing.T) {
	registry := NewRegistry()
	registry.Seed("tenant-2", PresetAPIGateway)

	err := registry.SetRoute("tenant-2", PresetAPIGateway, RouteKey{TargetSystem: SystemCRM, ActionType: "x"},
		Route{DirectEndpoint: "http://should-not-be-allowed"})
	if err == nil {
		t.Fatal("expected invariant violation for direct endpoint outside scrappy preset")
	}
	if kind, ok := errs.Of(err); !ok || kind != errs.KindInvariant {
		t.Fatalf("expected KindInvariant, got %v", err)
	}
}

func TestNoRouteFailsAction(t *testing.T) {
	registry := NewRegistry()
	registry.Seed("tenant-3", PresetScrappy)

	router := NewRouter(registry, nil, nil, nil)
	action := router.Route(context.Background(), "tenant-3",
		Payload{TargetSystem: SystemERP, ActionType: "unmapped"}, "", "")

	if action.Status != RoutedFailed {
		t.Fatalf("expected failed, got %s", action.Status)
	}
	if action.Error != "no fabric route" {
		t.Fatalf("expected 'no fabric route' error, got %q", action.Error)
	}
}

func TestExactlyOneActivePlanePerTenant(t *testing.T) {
	registry := NewRegistry()
	registry.Seed("tenant-4", PresetScrappy)

	if err := registry.SetActive("tenant-4", PresetEventBus); err != nil {
		t.Fatalf("set active: %v", err)
	}

	plane, err := registry.ActivePlane("tenant-4")
	if err != nil {
		t.Fatalf("active plane: %v", err)
	}
	if plane.Preset != PresetEventBus {
		t.Fatalf("expected event_bus active, got %s", plane.Preset)
	}
}
