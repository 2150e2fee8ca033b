// Package protocol implements the Agent-to-Agent (A2A) message protocol: envelopes,
// per-recipient inbox queues, and correlation-id-keyed futures for request/response
// pairing, per spec §4.10. Envelope trace-context propagation follows
// internal/core/natsctx's propagation.TraceContext carrier pattern; the EXECUTE handler's
// fabric-context reconciliation follows services/orchestrator/plugins.go's HTTPPlugin
// template-resolution idiom.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the A2A wire message types named in spec §4.10.
type MessageType string

const (
	TypeDiscover           MessageType = "DISCOVER"
	TypeDiscoverResponse   MessageType = "DISCOVER_RESPONSE"
	TypeCapabilityQuery    MessageType = "CAPABILITY_QUERY"
	TypeCapabilityResponse MessageType = "CAPABILITY_RESPONSE"
	TypeExecute            MessageType = "EXECUTE"
	TypeExecuteResponse    MessageType = "EXECUTE_RESPONSE"
	TypeDelegate           MessageType = "DELEGATE"
	TypeDelegateAccept     MessageType = "DELEGATE_ACCEPT"
	TypeDelegateReject     MessageType = "DELEGATE_REJECT"
	TypeDelegateResult     MessageType = "DELEGATE_RESULT"
	TypeStatusQuery        MessageType = "STATUS_QUERY"
	TypeStatusResponse     MessageType = "STATUS_RESPONSE"
	TypeCancel             MessageType = "CANCEL"
	TypeCancelAck          MessageType = "CANCEL_ACK"
	TypeContextShare       MessageType = "CONTEXT_SHARE"
	TypeContextUpdate      MessageType = "CONTEXT_UPDATE"
	TypePing               MessageType = "PING"
	TypePong               MessageType = "PONG"
	TypeError              MessageType = "ERROR"
)

// requestTypes are message types that expect a reply; Send registers a pending future
// only for these.
var requestTypes = map[MessageType]bool{
	TypeDiscover:        true,
	TypeCapabilityQuery: true,
	TypeExecute:         true,
	TypeDelegate:        true,
	TypeStatusQuery:     true,
	TypeCancel:          true,
	TypePing:            true,
}

const ProtocolVersion = "1.0"

// DefaultResponseTimeout is the default wait for a request-type Send, per spec §5.
const DefaultResponseTimeout = 30 * time.Second

// FabricContext is the metadata.fabric_context payload every message's Metadata carries,
// identifying which Fabric Plane an EXECUTE should be routed through.
type FabricContext struct {
	PrimaryPlaneID string `json:"primary_plane_id"`
	Preset         string `json:"preset,omitempty"`
}

// Envelope is the A2A wire message shape, exactly as spec §4.10 names its fields.
type Envelope struct {
	ID              string         `json:"id"`
	Type            MessageType    `json:"type"`
	FromAgent       string         `json:"from_agent"`
	ToAgent         string         `json:"to_agent"`
	CorrelationID   string         `json:"correlation_id"`
	InReplyTo       string         `json:"in_reply_to,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty"`
	ProtocolVersion string         `json:"protocol_version"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// FabricContextOf extracts metadata.fabric_context, if present.
func (e Envelope) FabricContextOf() (FabricContext, bool) {
	if e.Metadata == nil {
		return FabricContext{}, false
	}
	raw, ok := e.Metadata["fabric_context"]
	if !ok {
		return FabricContext{}, false
	}
	switch v := raw.(type) {
	case FabricContext:
		return v, true
	case map[string]any:
		fc := FabricContext{}
		if s, ok := v["primary_plane_id"].(string); ok {
			fc.PrimaryPlaneID = s
		}
		if s, ok := v["preset"].(string); ok {
			fc.Preset = s
		}
		return fc, true
	default:
		return FabricContext{}, false
	}
}

// Reply builds a response envelope, copying correlation_id and fabric context per spec.
func (e Envelope) Reply(msgType MessageType, fromAgent string, payload map[string]any) Envelope {
	metadata := map[string]any{}
	if fc, ok := e.FabricContextOf(); ok {
		metadata["fabric_context"] = fc
	}
	return Envelope{
		ID:              uuid.NewString(),
		Type:            msgType,
		FromAgent:       fromAgent,
		ToAgent:         e.FromAgent,
		CorrelationID:   e.CorrelationID,
		InReplyTo:       e.ID,
		Payload:         payload,
		Timestamp:       time.Now(),
		ProtocolVersion: ProtocolVersion,
		Metadata:        metadata,
	}
}
