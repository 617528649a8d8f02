package nodes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/pkg/schema"
)

// HTTPConfig configures the HttpRequest executor.
type HTTPConfig struct {
	DefaultTimeout  time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	MaxResponseBody int64
	// Client overrides the HTTP client. Nil builds one from the default transport.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxRetries      = 2
	defaultBackoffBase     = 500 * time.Millisecond
	responseExcerptLimit   = 512
)

// Extractor pulls a value out of a decoded response body.
// *expressions.GoJQEngine satisfies it.
type Extractor interface {
	Extract(ctx context.Context, path string, doc any) (any, bool)
}

// HTTPRequestExecutor implements the http_request node kind.
type HTTPRequestExecutor struct {
	config    HTTPConfig
	client    *http.Client
	extractor Extractor
}

// NewHTTPRequestExecutor creates an HttpRequest executor. Zero config values
// take the defaults: 30s timeout, 2 retries, 500ms backoff base, 10MB body.
// A negative MaxRetries disables retries.
func NewHTTPRequestExecutor(cfg HTTPConfig, extractor Extractor) *HTTPRequestExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = defaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if extractor == nil {
		extractor = expressions.NewGoJQEngine()
	}
	return &HTTPRequestExecutor{config: cfg, client: client, extractor: extractor}
}

func (e *HTTPRequestExecutor) Kind() schema.NodeKind { return schema.NodeKindHTTPRequest }

// Resolve expands method, url, header values and body. Extraction paths and
// the timeout are not templates.
func (e *HTTPRequestExecutor) Resolve(cfg schema.NodeConfig, r *expressions.Resolver) schema.NodeConfig {
	c, ok := cfg.(schema.HTTPRequestConfig)
	if !ok {
		return cfg
	}
	c.Method = strings.ToUpper(strings.TrimSpace(r.Resolve(c.Method)))
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	c.URL = r.Resolve(c.URL)
	c.Headers = r.ResolveMap(c.Headers)
	c.Body = schema.TemplateText(r.Resolve(string(c.Body)))
	return c
}

// attemptResult is the outcome of one round trip.
type attemptResult struct {
	status int
	body   []byte
	err    error
}

// Execute issues the request, retrying transient failures. It never returns
// an error for HTTP-level failures: those route to the error handle with the
// diagnostics on the result.
func (e *HTTPRequestExecutor) Execute(ctx context.Context, in Input) (*Result, error) {
	c, ok := in.Config.(schema.HTTPRequestConfig)
	if !ok {
		return nil, executorError(in.NodeID, "http_request: unexpected config %T", in.Config)
	}

	timeout := e.config.DefaultTimeout
	if c.Timeout != "" {
		if d, err := time.ParseDuration(c.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	diag := map[string]any{"method": c.Method, "url": c.URL}
	result := &Result{Diagnostics: diag}

	if err := validateURL(c.URL); err != nil {
		diag["attempts"] = 0
		diag["error"] = err.Error()
		result.Handle = schema.HandleError
		return result, nil
	}

	start := time.Now()
	var last attemptResult
	attempts := 0
	for attempt := 0; attempt <= e.config.MaxRetries; attempt++ {
		attempts++
		last = e.roundTrip(ctx, c, timeout)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		transient := (last.err != nil && isTransientError(last.err)) ||
			(last.err == nil && isTransientStatus(last.status))
		if !transient || attempt == e.config.MaxRetries {
			break
		}
		if err := WaitForBackoff(ctx, ComputeBackoff(e.config.BackoffBase, attempt)); err != nil {
			return nil, err
		}
	}

	diag["attempts"] = attempts
	diag["duration_ms"] = time.Since(start).Milliseconds()
	if last.status != 0 {
		diag["status_code"] = last.status
	}

	if last.err != nil || last.status >= 400 {
		if last.err != nil {
			diag["error"] = last.err.Error()
		} else {
			diag["error"] = fmt.Sprintf("server returned %d", last.status)
		}
		if len(last.body) > 0 {
			diag["response_excerpt"] = excerpt(last.body)
		}
		result.Handle = schema.HandleError
		return result, nil
	}

	result.Handle = schema.HandleSuccess
	result.Variables = e.extract(ctx, c.ExtractVariables, last.body)
	return result, nil
}

func (e *HTTPRequestExecutor) roundTrip(ctx context.Context, c schema.HTTPRequestConfig, timeout time.Duration) attemptResult {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if c.Body != "" {
		body = strings.NewReader(string(c.Body))
	}
	req, err := http.NewRequestWithContext(reqCtx, c.Method, c.URL, body)
	if err != nil {
		return attemptResult{err: fmt.Errorf("build request: %w", err)}
	}
	if c.Body != "" && json.Valid([]byte(c.Body)) {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return attemptResult{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return attemptResult{status: resp.StatusCode, err: fmt.Errorf("read response body: %w", err)}
	}
	return attemptResult{status: resp.StatusCode, body: data}
}

// extract applies each rule to the response body. A path that is absent, or
// a body that is not JSON, falls back to the rule's default.
func (e *HTTPRequestExecutor) extract(ctx context.Context, rules []schema.ExtractRule, body []byte) map[string]any {
	if len(rules) == 0 {
		return nil
	}
	var doc any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			doc = nil
		}
	}
	out := make(map[string]any, len(rules))
	for _, rule := range rules {
		if doc != nil {
			if v, ok := e.extractor.Extract(ctx, rule.Path, doc); ok {
				out[rule.Key] = v
				continue
			}
		}
		if rule.DefaultValue != nil {
			out[rule.Key] = rule.DefaultValue
		} else {
			out[rule.Key] = ""
		}
	}
	return out
}

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}

func excerpt(body []byte) string {
	if len(body) <= responseExcerptLimit {
		return string(body)
	}
	return string(body[:responseExcerptLimit]) + "..."
}
