package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ServiceRequest describes one downstream call made on behalf of an action.
type ServiceRequest struct {
	AppID   string            // logical service name, resolved to a base URL
	Path    string            // request path, e.g. "/v1/models"
	Method  string            // GET, POST, PUT, DELETE; defaults to POST
	Params  map[string]string // query parameters
	Data    interface{}       // JSON request body; nil sends no body
	Headers map[string]string // extra headers (correlation ids etc.)
	Timeout time.Duration     // per-call timeout; 0 uses the client default
}

// ServiceInvoker is the seam through which actions reach downstream
// microservices. The production implementation goes over HTTP; tests
// substitute fakes.
type ServiceInvoker interface {
	Invoke(ctx context.Context, req ServiceRequest) (map[string]interface{}, error)
}

// ServiceResolver maps a logical app id to a base URL
// ("model-catalog" -> "http://model-catalog:8080").
type ServiceResolver interface {
	Resolve(ctx context.Context, appID string) (string, error)
}

// StaticResolver resolves app ids from a fixed table. Useful for tests and
// single-node deployments; platform deployments plug in their mesh resolver.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(ctx context.Context, appID string) (string, error) {
	base, ok := r[appID]
	if !ok {
		return "", &EngineError{
			Op:   "resolver.Resolve",
			Kind: KindNotFound,
			ID:   appID,
			Err:  fmt.Errorf("no endpoint registered for app %q: %w", appID, ErrServiceUnavailable),
		}
	}
	return base, nil
}

// HTTPServiceInvoker calls downstream services over HTTP with JSON bodies.
type HTTPServiceInvoker struct {
	resolver ServiceResolver
	client   *http.Client
	logger   Logger
}

// InvokerOption configures an HTTPServiceInvoker.
type InvokerOption func(*HTTPServiceInvoker)

// WithInvokerLogger sets the logger (defaults to NoOp).
func WithInvokerLogger(logger Logger) InvokerOption {
	return func(i *HTTPServiceInvoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithInvokerHTTPClient overrides the HTTP client (default 30s timeout).
func WithInvokerHTTPClient(client *http.Client) InvokerOption {
	return func(i *HTTPServiceInvoker) {
		if client != nil {
			i.client = client
		}
	}
}

// NewHTTPServiceInvoker creates the production invoker.
// Returns concrete type per Go idiom "return structs, accept interfaces".
func NewHTTPServiceInvoker(resolver ServiceResolver, opts ...InvokerOption) *HTTPServiceInvoker {
	inv := &HTTPServiceInvoker{
		resolver: resolver,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   &NoOpLogger{},
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke resolves the app id, issues the request, and decodes the JSON reply.
// Non-2xx responses surface as EngineError with KindExternalService.
func (i *HTTPServiceInvoker) Invoke(ctx context.Context, req ServiceRequest) (map[string]interface{}, error) {
	base, err := i.resolver.Resolve(ctx, req.AppID)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	target := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Params) > 0 {
		q := url.Values{}
		for k, v := range req.Params {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	var body io.Reader
	if req.Data != nil {
		payload, err := json.Marshal(req.Data)
		if err != nil {
			return nil, fmt.Errorf("marshaling request for %s: %w", req.AppID, err)
		}
		body = bytes.NewReader(payload)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", req.AppID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, &EngineError{
			Op:   "invoker.Invoke",
			Kind: KindExternalService,
			ID:   req.AppID,
			Err:  fmt.Errorf("calling %s %s: %v: %w", method, target, err, ErrServiceUnavailable),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", req.AppID, err)
	}

	i.logger.DebugWithContext(ctx, "Downstream call finished", map[string]interface{}{
		"operation":   "service_invoke",
		"app_id":      req.AppID,
		"method":      method,
		"path":        req.Path,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &EngineError{
			Op:   "invoker.Invoke",
			Kind: KindExternalService,
			ID:   req.AppID,
			Err:  fmt.Errorf("service returned status %d: %s: %w", resp.StatusCode, truncate(string(responseBody), 512), ErrRequestFailed),
		}
	}

	if len(responseBody) == 0 {
		return map[string]interface{}{}, nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response from %s: %w", req.AppID, err)
	}
	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// Compile-time interface compliance check
var _ ServiceInvoker = (*HTTPServiceInvoker)(nil)
