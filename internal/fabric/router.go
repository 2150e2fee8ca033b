package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/core/errs"
)

// KafkaProducer is the subset of *kgo.Client the event_bus preset needs — narrowed to an
// interface so the router can be tested without a live Kafka broker.
type KafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// WarehouseWriter performs the staging-table write for the data_warehouse preset.
type WarehouseWriter interface {
	WriteRow(ctx context.Context, schema, table, operation string, row map[string]any) error
}

// Router is the fabric's Action Router: the single legitimate path by which an agent
// reaches a target system, dispatched by the tenant's active preset.
type Router struct {
	registry   *Registry
	httpClient *http.Client
	kafka      KafkaProducer
	warehouse  WarehouseWriter

	gatewayAuthHeader string
	gatewayAuthValue  string
}

// NewRouter builds a Router. kafka and warehouse may be nil if the deployment's tenants
// never activate the event_bus/data_warehouse presets.
func NewRouter(registry *Registry, httpClient *http.Client, kafka KafkaProducer, warehouse WarehouseWriter) *Router {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Router{registry: registry, httpClient: httpClient, kafka: kafka, warehouse: warehouse}
}

// WithGatewayAuth sets the header injected into api_gateway calls.
func (r *Router) WithGatewayAuth(header, value string) *Router {
	r.gatewayAuthHeader = header
	r.gatewayAuthValue = value
	return r
}

// Route performs the full lookup-and-dispatch sequence described by the spec's Action
// Router, returning the terminal RoutedAction regardless of success or failure.
func (r *Router) Route(ctx context.Context, tenantID string, payload Payload, agentID, correlationID string) *RoutedAction {
	action := &RoutedAction{
		ID:            uuid.NewString(),
		Payload:       payload,
		TenantID:      tenantID,
		AgentID:       agentID,
		CorrelationID: correlationID,
		Status:        RoutedPending,
		CreatedAt:     time.Now(),
	}

	plane, err := r.registry.ActivePlane(tenantID)
	if err != nil {
		return failAction(action, "", err)
	}
	action.FabricPreset = plane.Preset
	action.ExecutionPath = string(plane.Preset)

	route, preset, err := r.registry.Route(tenantID, RouteKey{TargetSystem: payload.TargetSystem, ActionType: payload.ActionType})
	if err != nil {
		return failAction(action, "no fabric route", err)
	}
	action.Route = route
	action.Status = RoutedRouting

	attemptCtx := ctx
	if route.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(route.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	action.Status = RoutedExecuting
	var result map[string]any
	switch preset {
	case PresetScrappy:
		result, err = r.dispatchDirect(attemptCtx, route, payload)
	case PresetAPIGateway:
		result, err = r.dispatchGateway(attemptCtx, route, payload)
	case PresetIPaaS:
		result, err = r.dispatchIPaaS(attemptCtx, route, payload, agentID, tenantID, correlationID)
	case PresetEventBus:
		result, err = r.dispatchEventBus(attemptCtx, route, payload, correlationID)
	case PresetDataWarehouse:
		result, err = r.dispatchWarehouse(attemptCtx, route, payload)
	default:
		err = errs.New(errs.KindInvariant, "fabric.route", "unknown preset "+string(preset))
	}

	if err != nil {
		if attemptCtx.Err() != nil {
			action.Status = RoutedTimeout
		} else {
			action.Status = RoutedFailed
		}
		action.Error = err.Error()
		return action
	}

	completedAt := time.Now()
	action.Status = RoutedCompleted
	action.CompletedAt = &completedAt
	action.Result = result
	return action
}

func failAction(action *RoutedAction, msg string, err error) *RoutedAction {
	action.Status = RoutedFailed
	if msg != "" {
		action.Error = msg
	} else {
		action.Error = err.Error()
	}
	return action
}

func substituteID(path, entityID string) string {
	if entityID == "" {
		return path
	}
	return strings.ReplaceAll(path, "{id}", entityID)
}

func (r *Router) dispatchDirect(ctx context.Context, route Route, payload Payload) (map[string]any, error) {
	url := substituteID(route.DirectEndpoint, payload.EntityID)
	return r.doJSONRequest(ctx, route.DirectMethod, url, payload.Data, nil)
}

func (r *Router) dispatchGateway(ctx context.Context, route Route, payload Payload) (map[string]any, error) {
	url := route.GatewayUpstream + substituteID(route.GatewayPath, payload.EntityID)
	headers := map[string]string{}
	if r.gatewayAuthHeader != "" {
		headers[r.gatewayAuthHeader] = r.gatewayAuthValue
	}
	return r.doJSONRequest(ctx, http.MethodPost, url, payload.Data, headers)
}

func (r *Router) dispatchIPaaS(ctx context.Context, route Route, payload Payload, agentID, tenantID, correlationID string) (map[string]any, error) {
	body := map[string]any{
		"recipe_id": route.RecipeID,
		"input": map[string]any{
			"entity_id":      payload.EntityID,
			"entity_type":    payload.EntityType,
			"data":           payload.Data,
			"correlation_id": correlationID,
		},
		"metadata": map[string]any{
			"agent_id":  agentID,
			"tenant_id": tenantID,
			"timestamp": time.Now().Format(time.RFC3339),
		},
	}
	return r.doJSONRequest(ctx, http.MethodPost, route.RecipeWebhook, body, nil)
}

func (r *Router) dispatchEventBus(ctx context.Context, route Route, payload Payload, correlationID string) (map[string]any, error) {
	if r.kafka == nil {
		return nil, errs.New(errs.KindInvariant, "fabric.event_bus", "no kafka producer configured")
	}

	partitionKey := route.KafkaPartitionKey
	if payload.EntityID != "" {
		partitionKey = payload.EntityID
	} else if partitionKey == "" {
		partitionKey = uuid.NewString()
	}

	event := map[string]any{
		"event_id":    uuid.NewString(),
		"event_type":  fmt.Sprintf("%s.%s", payload.TargetSystem, payload.ActionType),
		"entity_id":   payload.EntityID,
		"entity_type": payload.EntityType,
		"data":        payload.Data,
		"metadata":    map[string]any{"correlation_id": correlationID},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	record := &kgo.Record{Topic: route.KafkaTopic, Key: []byte(partitionKey), Value: data}
	results := r.kafka.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return nil, fmt.Errorf("produce to %s: %w", route.KafkaTopic, err)
	}
	return map[string]any{"topic": route.KafkaTopic, "partition_key": partitionKey}, nil
}

func (r *Router) dispatchWarehouse(ctx context.Context, route Route, payload Payload) (map[string]any, error) {
	if r.warehouse == nil {
		return nil, errs.New(errs.KindInvariant, "fabric.data_warehouse", "no warehouse writer configured")
	}
	row := payload.Data
	if row == nil {
		row = map[string]any{}
	}
	row["entity_id"] = payload.EntityID
	row["entity_type"] = payload.EntityType

	if err := r.warehouse.WriteRow(ctx, route.WarehouseSchema, route.WarehouseTable, route.WarehouseOperation, row); err != nil {
		return nil, fmt.Errorf("write row: %w", err)
	}
	return map[string]any{"schema": route.WarehouseSchema, "table": route.WarehouseTable}, nil
}

func (r *Router) doJSONRequest(ctx context.Context, method, url string, body map[string]any, headers map[string]string) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http error %d: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]any{"body": string(respBody), "status_code": resp.StatusCode}
		}
	} else {
		result = map[string]any{"status_code": resp.StatusCode}
	}
	return result, nil
}
