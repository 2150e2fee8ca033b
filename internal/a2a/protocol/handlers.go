package protocol

import (
	"context"
	"time"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/delegation"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/a2a/discovery"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/fabric"
)

// RegisterBuiltins wires the six handlers spec §4.10 names onto p, matching the
// registry/delegation/fabric components each message type fronts. registry and engine may
// be nil if an agent never serves DISCOVER/DELEGATE traffic; router may be nil if it never
// serves EXECUTE.
func RegisterBuiltins(p *Protocol, registry *discovery.Registry, engine *delegation.Engine, router *fabric.Router) {
	p.RegisterHandler(TypePing, handlePing)
	if registry != nil {
		p.RegisterHandler(TypeDiscover, handleDiscover(registry))
		p.RegisterHandler(TypeCapabilityQuery, handleCapabilityQuery(registry))
	}
	if engine != nil {
		p.RegisterHandler(TypeDelegate, handleDelegate(engine))
		p.RegisterHandler(TypeStatusQuery, handleStatusQuery(engine, registry))
	}
	if router != nil {
		p.RegisterHandler(TypeExecute, handleExecute(router))
	}
}

func handlePing(_ context.Context, agentID string, msg Envelope) (*Envelope, error) {
	resp := msg.Reply(TypePong, agentID, map[string]any{"time": time.Now().UTC().Format(time.RFC3339)})
	return &resp, nil
}

// handleDiscover applies the filter carried in the request payload's "filter" key (a
// map[string]any of discovery.Filter's fields, decoded loosely) and returns matching cards.
func handleDiscover(registry *discovery.Registry) HandlerFunc {
	return func(_ context.Context, agentID string, msg Envelope) (*Envelope, error) {
		filter := decodeFilter(msg.Payload)
		cards := registry.Discover(filter)
		resp := msg.Reply(TypeDiscoverResponse, agentID, map[string]any{"agents": cards, "count": len(cards)})
		return &resp, nil
	}
}

// handleCapabilityQuery returns the responding agent's own capability catalogue, or a
// specific agent's when "agent_id" is present in the payload.
func handleCapabilityQuery(registry *discovery.Registry) HandlerFunc {
	return func(_ context.Context, agentID string, msg Envelope) (*Envelope, error) {
		target := agentID
		if id, ok := msg.Payload["agent_id"].(string); ok && id != "" {
			target = id
		}
		card, err := registry.Get(target)
		if err != nil {
			resp := msg.Reply(TypeCapabilityResponse, agentID, map[string]any{"capabilities": []discovery.Capability{}})
			return &resp, nil
		}
		resp := msg.Reply(TypeCapabilityResponse, agentID, map[string]any{
			"agent_id":     card.AgentID,
			"capabilities": card.Capabilities,
		})
		return &resp, nil
	}
}

// handleDelegate invokes the delegation engine and replies with an ACCEPT/REJECT-shaped
// acknowledgement carrying the created request's id and status.
func handleDelegate(engine *delegation.Engine) HandlerFunc {
	return func(ctx context.Context, agentID string, msg Envelope) (*Envelope, error) {
		in := delegation.DelegateInput{
			TenantID:      stringField(msg.Payload, "tenant_id"),
			DelegatorID:   msg.FromAgent,
			DelegateeID:   msg.ToAgent,
			CapabilityID:  stringField(msg.Payload, "capability_id"),
			OriginalInput: stringField(msg.Payload, "input"),
		}
		req, err := engine.Delegate(ctx, in)
		if err != nil {
			resp := msg.Reply(TypeDelegateReject, agentID, map[string]any{"error": err.Error()})
			return &resp, nil
		}
		resp := msg.Reply(TypeDelegateAccept, agentID, map[string]any{
			"request_id": req.ID,
			"status":     string(req.Status),
		})
		return &resp, nil
	}
}

// handleStatusQuery reports either a specific delegation request's status (when
// "request_id" is present) or the responding agent's own health and registry entry.
func handleStatusQuery(engine *delegation.Engine, registry *discovery.Registry) HandlerFunc {
	return func(_ context.Context, agentID string, msg Envelope) (*Envelope, error) {
		if reqID, ok := msg.Payload["request_id"].(string); ok && reqID != "" {
			req, err := engine.Get(reqID)
			if err != nil {
				resp := msg.Reply(TypeStatusResponse, agentID, map[string]any{"error": err.Error()})
				return &resp, nil
			}
			resp := msg.Reply(TypeStatusResponse, agentID, map[string]any{
				"request_id": req.ID,
				"status":     string(req.Status),
			})
			return &resp, nil
		}

		payload := map[string]any{"agent_id": agentID}
		if registry != nil {
			if health, err := registry.GetHealth(agentID); err == nil {
				payload["health"] = string(health)
			}
			active := engine.ByDelegatee(agentID)
			payload["active_delegations"] = countActive(active)
		}
		resp := msg.Reply(TypeStatusResponse, agentID, payload)
		return &resp, nil
	}
}

// handleExecute translates the payload into a fabric.Payload and routes it through the
// tenant's active plane. The message's fabric context is not compared with the router's and
// nothing is logged about it; when metadata.fabric_context is present, its primary_plane_id
// is copied into the reply. The reply's fabric_context_enriched is always true.
func handleExecute(router *fabric.Router) HandlerFunc {
	return func(ctx context.Context, agentID string, msg Envelope) (*Envelope, error) {
		tenantID := stringField(msg.Payload, "tenant_id")
		payload := fabric.Payload{
			TargetSystem: fabric.TargetSystem(stringField(msg.Payload, "target_system")),
			ActionType:   stringField(msg.Payload, "action_type"),
			EntityID:     stringField(msg.Payload, "entity_id"),
			EntityType:   stringField(msg.Payload, "entity_type"),
		}
		if data, ok := msg.Payload["data"].(map[string]any); ok {
			payload.Data = data
		}

		action := router.Route(ctx, tenantID, payload, agentID, msg.CorrelationID)

		respPayload := map[string]any{
			"action_id":               action.ID,
			"status":                  string(action.Status),
			"fabric_preset":           string(action.FabricPreset),
			"execution_path":          action.ExecutionPath,
			"result":                  action.Result,
			"fabric_context_enriched": true,
		}
		if fc, ok := msg.FabricContextOf(); ok {
			respPayload["primary_plane_id"] = fc.PrimaryPlaneID
		}
		if action.Error != "" {
			respPayload["error"] = action.Error
		}
		if action.CompletedAt != nil {
			respPayload["completed_at"] = action.CompletedAt.UTC().Format(time.RFC3339)
		}

		resp := msg.Reply(TypeExecuteResponse, agentID, respPayload)
		return &resp, nil
	}
}

func decodeFilter(payload map[string]any) discovery.Filter {
	f := discovery.Filter{}
	if payload == nil {
		return f
	}
	if v, ok := payload["tenant_id"].(string); ok {
		f.TenantID = v
	}
	if v, ok := payload["capability_ids"].([]any); ok {
		for _, id := range v {
			if s, ok := id.(string); ok {
				f.CapabilityIDs = append(f.CapabilityIDs, s)
			}
		}
	}
	if v, ok := payload["tags"].([]any); ok {
		for _, tag := range v {
			if s, ok := tag.(string); ok {
				f.Tags = append(f.Tags, s)
			}
		}
	}
	if v, ok := payload["min_trust_level"].(float64); ok {
		f.MinTrustLevel = v
	}
	if v, ok := payload["limit"].(float64); ok {
		f.Limit = int(v)
	}
	if v, ok := payload["offset"].(float64); ok {
		f.Offset = int(v)
	}
	return f
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func countActive(reqs []delegation.Request) int {
	n := 0
	for _, r := range reqs {
		switch r.Status {
		case delegation.StatusPending, delegation.StatusAccepted, delegation.StatusInProgress:
			n++
		}
	}
	return n
}
