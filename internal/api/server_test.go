package api

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

const replyGraph = `{
  "id": "reply",
  "nodes": [
    {"id": "wait", "kind": "wait_for_event", "is_entry": true, "config": {"correlation_key": "conv-{{conversation_id}}"}},
    {"id": "check", "kind": "condition", "config": {"left": "{{_event_reply}}", "operator": "eq", "right": "yes"}},
    {"id": "won", "kind": "terminal"},
    {"id": "lost", "kind": "terminal", "config": {"status": "failed", "reason": "declined"}}
  ],
  "edges": [
    {"from": "wait", "from_handle": "received", "to": "check"},
    {"from": "check", "from_handle": "true", "to": "won"},
    {"from": "check", "from_handle": "false", "to": "lost"}
  ],
  "variables": [{"key": "conversation_id"}]
}`

type testEnv struct {
	srv        *httptest.Server
	dispatcher *engine.Dispatcher
	hub        *streaming.MemoryHub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	preds, err := expressions.NewPredicates()
	require.NoError(t, err)
	jq := expressions.NewGoJQEngine()
	reg, err := nodes.NewDefaultRegistry(nodes.HTTPConfig{BackoffBase: time.Millisecond}, preds, jq)
	require.NoError(t, err)
	val, err := validation.NewGraphValidator(preds, jq)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	eng := engine.New(st, reg, val, engine.Config{Logger: logger, Audit: engine.NewAuditLog(st, hub, logger)})
	d := engine.NewDispatcher(eng, engine.DispatcherConfig{PoolSize: 2})

	srv := httptest.NewServer(NewServer(Deps{Dispatcher: d, Hub: hub, Logger: logger}).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return &testEnv{srv: srv, dispatcher: d, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestGraphLifecycle(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodPost, "/api/graphs", replyGraph)
	require.Equal(t, http.StatusCreated, code, body)
	graph := body["graph"].(map[string]any)
	assert.EqualValues(t, 1, graph["version"])

	code, _ = env.do(t, http.MethodPost, "/api/graphs", replyGraph)
	require.Equal(t, http.StatusCreated, code)

	code, body = env.do(t, http.MethodGet, "/api/graphs/reply", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["version"])

	code, body = env.do(t, http.MethodGet, "/api/graphs/reply?version=1", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["version"])

	code, body = env.do(t, http.MethodGet, "/api/graphs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])

	code, body = env.do(t, http.MethodGet, "/api/graphs", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["graphs"], 1)
}

func TestSaveGraphRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	invalid := `{"id":"bad","nodes":[{"id":"a","kind":"terminal"}],"edges":[{"from":"a","from_handle":"done","to":"a"}]}`
	code, body := env.do(t, http.MethodPost, "/api/graphs", invalid)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, schema.ErrCodeStructural, body["code"])
	result := body["result"].(map[string]any)
	assert.NotEmpty(t, result["errors"])

	code, body = env.do(t, http.MethodPost, "/api/graphs/validate", invalid)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["valid"])

	code, _ = env.do(t, http.MethodPost, "/api/graphs", `{"nodes": [`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/graphs", `{"nodes": []}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestInstanceFlow(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/graphs", replyGraph)
	require.Equal(t, http.StatusCreated, code)

	code, body := env.do(t, http.MethodPost, "/api/graphs/reply/instances", `{"variables":{"conversation_id":"77"}}`)
	require.Equal(t, http.StatusAccepted, code, body)
	id := body["instance_id"].(string)
	env.dispatcher.Wait()

	code, body = env.do(t, http.MethodGet, "/api/instances/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(schema.InstanceStatusWaitingForEvent), body["status"])
	assert.Equal(t, "conv-77", body["wait_token"])
	assert.Len(t, body["history"], 1)

	code, body = env.do(t, http.MethodPost, "/api/events/conv-77", `{"event_id":"m1","payload":{"reply":"yes"}}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, string(engine.DeliveryAccepted), body["status"])
	assert.Equal(t, id, body["instance_id"])
	env.dispatcher.Wait()

	code, body = env.do(t, http.MethodPost, "/api/events/conv-77", `{"event_id":"m1","payload":{"reply":"no"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(engine.DeliveryDuplicate), body["status"])

	code, body = env.do(t, http.MethodPost, "/api/events/conv-77", `{"event_id":"m2"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, string(engine.DeliveryNoMatchingInstance), body["status"])

	code, body = env.do(t, http.MethodGet, "/api/instances/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(schema.InstanceStatusCompleted), body["status"])
	assert.EqualValues(t, 4, body["step_count"])

	code, body = env.do(t, http.MethodGet, "/api/instances?status=completed", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["instances"], 1)

	code, _ = env.do(t, http.MethodGet, "/api/instances?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.do(t, http.MethodGet, "/api/instances/"+id+"/events", "")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["events"])
}

func TestStartInstanceErrors(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/graphs", replyGraph)
	require.Equal(t, http.StatusCreated, code)

	code, body := env.do(t, http.MethodPost, "/api/graphs/missing/instances", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])

	code, body = env.do(t, http.MethodPost, "/api/graphs/reply/instances", `{"variables":{"_event_id":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestCancelInstance(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/graphs", replyGraph)
	require.Equal(t, http.StatusCreated, code)
	_, body := env.do(t, http.MethodPost, "/api/graphs/reply/instances", `{"variables":{"conversation_id":"c"}}`)
	id := body["instance_id"].(string)
	env.dispatcher.Wait()

	code, body = env.do(t, http.MethodPost, "/api/instances/"+id+"/cancel", `{"reason":"unsubscribed"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(engine.CancelApplied), body["outcome"])
	inst := body["instance"].(map[string]any)
	assert.Equal(t, string(schema.InstanceStatusFailed), inst["status"])

	code, body = env.do(t, http.MethodPost, "/api/instances/"+id+"/cancel", ``)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(engine.CancelNoop), body["outcome"])

	code, _ = env.do(t, http.MethodPost, "/api/instances/nope/cancel", `{}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t)
	big := `{"id":"x","description":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	resp, err := http.Post(env.srv.URL+"/api/graphs", "application/json", bytes.NewBufferString(big))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestSSEInstanceStream(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/graphs", replyGraph)
	require.Equal(t, http.StatusCreated, code)
	_, body := env.do(t, http.MethodPost, "/api/graphs/reply/instances", `{"variables":{"conversation_id":"s"}}`)
	id := body["instance_id"].(string)
	env.dispatcher.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/sse/instances/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	code, _ = env.do(t, http.MethodPost, "/api/events/conv-s", `{"event_id":"e1","payload":{"reply":"yes"}}`)
	require.Equal(t, http.StatusAccepted, code)

	seen := map[string]bool{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if ev, ok := strings.CutPrefix(line, "event: "); ok {
			seen[ev] = true
			if ev == schema.EventInstanceCompleted {
				break
			}
		}
	}
	assert.True(t, seen[schema.EventInstanceResumed])
	assert.True(t, seen[schema.EventInstanceCompleted])

	code, _ = env.do(t, http.MethodGet, "/sse/instances/unknown", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		schema.ErrCodeValidation:         http.StatusBadRequest,
		schema.ErrCodeStructural:         http.StatusUnprocessableEntity,
		schema.ErrCodeNotFound:           http.StatusNotFound,
		schema.ErrCodeNoMatchingInstance: http.StatusNotFound,
		schema.ErrCodeConflict:           http.StatusConflict,
		schema.ErrCodeDuplicateDispatch:  http.StatusConflict,
		schema.ErrCodeStore:              http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, statusFor(code), code)
	}
}

func TestDiagrams(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/graphs", replyGraph)
	require.Equal(t, http.StatusCreated, code)

	get := func(path string) (int, string) {
		resp, err := http.Get(env.srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(data)
	}

	code, text := get("/api/graphs/reply/diagram")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "check -->|true| won")
	assert.NotContains(t, text, "class wait")

	_, body := env.do(t, http.MethodPost, "/api/graphs/reply/instances", `{"variables":{"conversation_id":"d"}}`)
	id := body["instance_id"].(string)
	env.dispatcher.Wait()

	code, text = get("/api/instances/" + id + "/diagram")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, text, "class wait waiting")

	code, _ = get("/api/instances/missing/diagram")
	assert.Equal(t, http.StatusNotFound, code)
}
