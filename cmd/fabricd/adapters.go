package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ilyacantor/autonomos-platform-sub003/internal/intelligence"
	"github.com/ilyacantor/autonomos-platform-sub003/internal/pii"
)

// slogTelemetrySink is the production pii.TelemetrySink: every scan record becomes one
// structured log line, the way the rest of the daemon reports through slog rather than a
// dedicated metrics pipeline for PII events.
type slogTelemetrySink struct {
	log *slog.Logger
}

func newSlogTelemetrySink(log *slog.Logger) *slogTelemetrySink {
	return &slogTelemetrySink{log: log}
}

func (s *slogTelemetrySink) Record(_ context.Context, rec pii.TelemetryRecord) {
	s.log.Info("pii scan",
		"scan_id", rec.ScanID,
		"tenant_id", rec.TenantID,
		"risk", rec.Risk,
		"policy", rec.Policy,
		"action", rec.Action,
		"match_count", rec.MatchCount,
		"is_validated", rec.IsValidated,
	)
}

// httpVectorStore and httpLLMClient are thin REST adapters over the intelligence package's
// VectorStore/LLMClient interfaces, following services/orchestrator/plugins.go's HTTPPlugin
// idiom (shared *http.Client with connection pooling, OTel span per call, trace-context
// injection via the response propagator). Both point at operator-configured sidecars —
// this daemon does not embed an embedding model or an LLM.
type httpVectorStore struct {
	client      *http.Client
	queryURL    string
	embedURL    string
	tracer      trace.Tracer
}

func newHTTPVectorStore(client *http.Client, queryURL, embedURL string) *httpVectorStore {
	return &httpVectorStore{client: client, queryURL: queryURL, embedURL: embedURL, tracer: otel.Tracer("fabricd-rag")}
}

func (s *httpVectorStore) Query(ctx context.Context, tenantID string, embedding []float64, topK int) ([]intelligence.RAGCandidate, error) {
	ctx, span := s.tracer.Start(ctx, "vectorstore.query", trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{"tenant_id": tenantID, "embedding": embedding, "top_k": topK})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	var candidates []intelligence.RAGCandidate
	if err := s.postJSON(ctx, s.queryURL, reqBody, &candidates); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (s *httpVectorStore) Embed(ctx context.Context, connector, table, field string) ([]float64, error) {
	ctx, span := s.tracer.Start(ctx, "vectorstore.embed")
	defer span.End()

	reqBody, err := json.Marshal(map[string]any{"connector": connector, "table": table, "field": field})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := s.postJSON(ctx, s.embedURL, reqBody, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func (s *httpVectorStore) postJSON(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}
	return json.Unmarshal(respBody, out)
}

type httpLLMClient struct {
	client   *http.Client
	endpoint string
	tracer   trace.Tracer
}

func newHTTPLLMClient(client *http.Client, endpoint string) *httpLLMClient {
	return &httpLLMClient{client: client, endpoint: endpoint, tracer: otel.Tracer("fabricd-llm")}
}

func (c *httpLLMClient) ProposeMapping(ctx context.Context, event intelligence.DriftEvent) (intelligence.MappingProposal, error) {
	ctx, span := c.tracer.Start(ctx, "llm.propose_mapping", trace.WithAttributes(
		attribute.String("connector", event.Connector),
		attribute.String("source_field", event.SourceField),
	))
	defer span.End()

	reqBody, err := json.Marshal(event)
	if err != nil {
		return intelligence.MappingProposal{}, fmt.Errorf("marshal drift event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return intelligence.MappingProposal{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return intelligence.MappingProposal{}, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return intelligence.MappingProposal{}, fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return intelligence.MappingProposal{}, fmt.Errorf("llm endpoint returned status %d: %s", resp.StatusCode, respBody)
	}

	var proposal intelligence.MappingProposal
	if err := json.Unmarshal(respBody, &proposal); err != nil {
		return intelligence.MappingProposal{}, fmt.Errorf("unmarshal llm proposal: %w", err)
	}
	proposal.Source = intelligence.SourceLLM
	return proposal, nil
}

func newPooledHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
