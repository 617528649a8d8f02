package api

import (
	"fmt"
	"net/http"

	"github.com/rendis/flowpilot/internal/engine"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "pool": s.deps.Dispatcher.Metrics()})
}

// --- Graphs ---

type saveGraphResponse struct {
	Graph    *store.GraphRecord       `json:"graph"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// handleSaveGraph validates a definition and stores it as the next version.
func (s *Server) handleSaveGraph(w http.ResponseWriter, r *http.Request) {
	var def schema.GraphDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	if def.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	rec, res, err := s.engine.SaveGraph(r.Context(), &def)
	if err != nil {
		if res != nil && !res.Valid() {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  err.Error(),
				"code":   schema.ErrCodeStructural,
				"result": res,
			})
			return
		}
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saveGraphResponse{Graph: rec, Warnings: res.Warnings})
}

// handleValidateGraph runs the save-time checks without saving.
func (s *Server) handleValidateGraph(w http.ResponseWriter, r *http.Request) {
	var def schema.GraphDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	res := s.engine.Validate(&def)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	graphs, err := s.engine.ListGraphs(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if graphs == nil {
		graphs = []*store.GraphRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": graphs})
}

// handleGetGraph returns the latest version, or ?version=n.
func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetGraph(r.Context(), r.PathValue("id"), queryInt(r, "version", 0))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// --- Instances ---

type startRequest struct {
	Variables map[string]any `json:"variables"`
}

// handleStartInstance starts an instance of the latest version of a graph.
func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.deps.Dispatcher.StartInstance(r.Context(), r.PathValue("id"), body.Variables)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"instance_id": id})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.InstanceFilter{
		GraphID: q.Get("graph_id"),
		Status:  schema.InstanceStatus(q.Get("status")),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if filter.Status != "" && !knownStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}
	list, err := s.engine.ListInstances(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if list == nil {
		list = []*store.Instance{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": list,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

// handleGetInstance returns an instance with its step history.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Dispatcher.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Dispatcher.GetInstance(r.Context(), id); err != nil {
		writeFlowError(w, err)
		return
	}
	events, err := s.engine.Events(r.Context(), id, int64(queryInt(r, "since", 0)))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// handleCancelInstance cancels an instance. A running instance answers 202:
// the cancellation lands at its next node boundary.
func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var body cancelRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}
	res, err := s.deps.Dispatcher.CancelInstance(r.Context(), r.PathValue("id"), body.Reason)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == engine.CancelRequested {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// --- Events ---

type deliverRequest struct {
	EventID string         `json:"event_id"`
	Payload map[string]any `json:"payload"`
}

// handleDeliverEvent routes an external event to the instance waiting on
// the token. Duplicates answer 200 with status "duplicate".
func (s *Server) handleDeliverEvent(w http.ResponseWriter, r *http.Request) {
	var body deliverRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.EventID == "" {
		body.EventID = r.Header.Get("Idempotency-Key")
	}
	res, err := s.deps.Dispatcher.DeliverEvent(r.Context(), r.PathValue("token"), body.EventID, body.Payload)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	status := http.StatusOK
	switch res.Status {
	case engine.DeliveryAccepted:
		status = http.StatusAccepted
	case engine.DeliveryNoMatchingInstance:
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

func knownStatus(s schema.InstanceStatus) bool {
	switch s {
	case schema.InstanceStatusRunning, schema.InstanceStatusWaitingForEvent,
		schema.InstanceStatusCompleted, schema.InstanceStatusFailed:
		return true
	}
	return false
}
