package fabric

import (
	"fmt"
	"sync"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

// Registry holds, per tenant, one Plane per preset and exactly one active preset. Direct
// endpoints are only ever populated on the scrappy preset's routes — SetRoute refuses to
// install one under any other preset as an invariant violation.
type Registry struct {
	mu      sync.RWMutex
	planes  map[string]map[Preset]*Plane // tenant -> preset -> plane
	active  map[string]Preset            // tenant -> active preset
}

func NewRegistry() *Registry {
	return &Registry{
		planes: make(map[string]map[Preset]*Plane),
		active: make(map[string]Preset),
	}
}

// Seed constructs every preset's Plane for tenant with an empty routing table, and activates
// the given preset. No routes are pre-populated for the canonical systems; routes are added
// with SetRoute.
func (r *Registry) Seed(tenantID string, activate Preset) {
	r.mu.Lock()
	defer r.mu.Unlock()

	planes := make(map[Preset]*Plane)
	for _, preset := range []Preset{PresetScrappy, PresetAPIGateway, PresetIPaaS, PresetEventBus, PresetDataWarehouse} {
		planes[preset] = &Plane{
			Preset:       preset,
			Routes:       make(map[RouteKey]Route),
			HealthStatus: "unknown",
		}
	}
	planes[activate].IsActive = true
	r.planes[tenantID] = planes
	r.active[tenantID] = activate
}

// SetRoute installs or replaces a Route for (preset, targetSystem, actionType). Direct
// endpoints (Route.DirectEndpoint set) may only be installed on the scrappy preset.
func (r *Registry) SetRoute(tenantID string, preset Preset, key RouteKey, route Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if route.DirectEndpoint != "" && preset != PresetScrappy {
		return errs.New(errs.KindInvariant, "fabric.set_route",
			"direct endpoints may only be populated for the scrappy preset")
	}

	plane, ok := r.planeLocked(tenantID, preset)
	if !ok {
		return errs.New(errs.KindNotFound, "fabric.set_route",
			fmt.Sprintf("tenant %s has no %s plane", tenantID, preset))
	}
	plane.Routes[key] = route
	return nil
}

func (r *Registry) planeLocked(tenantID string, preset Preset) (*Plane, bool) {
	tenantPlanes, ok := r.planes[tenantID]
	if !ok {
		return nil, false
	}
	plane, ok := tenantPlanes[preset]
	return plane, ok
}

// ActivePlane returns the tenant's currently active Plane.
func (r *Registry) ActivePlane(tenantID string) (*Plane, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	preset, ok := r.active[tenantID]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "fabric.active_plane", "tenant "+tenantID+" has no fabric plane")
	}
	plane, ok := r.planeLocked(tenantID, preset)
	if !ok {
		return nil, errs.New(errs.KindInvariant, "fabric.active_plane",
			"active preset recorded but plane missing for tenant "+tenantID)
	}
	return plane, nil
}

// SetActive switches a tenant's single active plane, enforcing the exactly-one-active
// invariant by deactivating every other preset's plane.
func (r *Registry) SetActive(tenantID string, preset Preset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenantPlanes, ok := r.planes[tenantID]
	if !ok {
		return errs.New(errs.KindNotFound, "fabric.set_active", "tenant "+tenantID+" not seeded")
	}
	target, ok := tenantPlanes[preset]
	if !ok {
		return errs.New(errs.KindNotFound, "fabric.set_active", "preset "+string(preset)+" not provisioned")
	}
	for _, p := range tenantPlanes {
		p.IsActive = false
	}
	target.IsActive = true
	r.active[tenantID] = preset
	return nil
}

// Route looks up the Route for (target_system, action_type) within the tenant's active
// Plane.
func (r *Registry) Route(tenantID string, key RouteKey) (Route, Preset, error) {
	plane, err := r.ActivePlane(tenantID)
	if err != nil {
		return Route{}, "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := plane.Routes[key]
	if !ok {
		return Route{}, plane.Preset, errs.New(errs.KindNotFound, "fabric.route", "no fabric route")
	}
	return route, plane.Preset, nil
}
