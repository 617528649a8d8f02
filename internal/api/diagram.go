package api

import (
	"io"
	"net/http"

	"github.com/rendis/flowpilot/internal/diagram"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// handleGraphDiagram renders a graph version as a Mermaid flowchart.
func (s *Server) handleGraphDiagram(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.GetGraph(r.Context(), r.PathValue("id"), queryInt(r, "version", 0))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeDiagram(w, &rec.Definition, nil)
}

// handleInstanceDiagram renders the instance's pinned graph version with its
// step history overlaid.
func (s *Server) handleInstanceDiagram(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Dispatcher.GetInstance(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	rec, err := s.engine.GetGraph(r.Context(), view.GraphID, view.GraphVersion)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeDiagram(w, &rec.Definition, view.History)
}

func writeDiagram(w http.ResponseWriter, def *schema.GraphDefinition, history []*store.StepRecord) {
	model, err := diagram.Build(def, history)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, diagram.RenderMermaid(model))
}
