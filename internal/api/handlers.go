package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ordersync/internal/backend"
	"ordersync/internal/buildinfo"
	"ordersync/internal/model"
	"ordersync/internal/state"
	"ordersync/internal/store"
)

// OrdersHandler handles GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Rec.ListOrders(r.Context(), status, cursor, limit)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// OrderByIDHandler handles /v1/orders/{id} and its sub-resources:
// /transition, /fulfillment, /events/stream.
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.TrimPrefix(path, "/v1/orders/")
	if rest == path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]

	if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
		s.streamOrderEvents(w, r, id)
		return
	}
	if len(parts) > 1 && parts[1] == "transition" {
		s.handleTransition(w, r, id)
		return
	}
	if len(parts) > 1 && parts[1] == "fulfillment" {
		s.handleStageAdvance(w, r, id)
		return
	}
	if len(parts) > 1 {
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown resource", path)
		return
	}

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	o, err := s.Rec.GetOrder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) && s.Backend != nil {
		// load on demand: fetch the snapshot and seed the reconciler
		full, ferr := s.Backend.FetchOrder(r.Context(), id)
		if errors.Is(ferr, backend.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Order not found", "", path)
			return
		}
		if ferr != nil {
			writeProblem(w, http.StatusBadGateway, "Backend fetch failed", ferr.Error(), path)
			return
		}
		if err := s.Rec.ApplySnapshot(r.Context(), full); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Snapshot apply failed", err.Error(), path)
			return
		}
		o, err = s.Rec.GetOrder(r.Context(), id)
	}
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Order not found", "", path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get order failed", err.Error(), path)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if !state.ValidStatus(req.Status) {
		writeProblem(w, http.StatusBadRequest, "Invalid status", fmt.Sprintf("unknown status %q", req.Status), r.URL.Path)
		return
	}
	o, err := s.Rec.RequestTransition(r.Context(), id, req.Status, req.Note)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Order not found", "", r.URL.Path)
		return
	}
	if errors.Is(err, state.ErrInvalidTransition) {
		writeProblem(w, http.StatusConflict, "Invalid transition", err.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Transition failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleStageAdvance(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.StageAdvanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.VendorID == "" || req.Stage == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "vendorId and stage required", r.URL.Path)
		return
	}
	rec, err := s.Rec.RequestStageAdvance(r.Context(), id, req.VendorID, req.Stage)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Order not found", "", r.URL.Path)
		return
	}
	if errors.Is(err, state.ErrInvalidStage) {
		writeProblem(w, http.StatusConflict, "Invalid stage", err.Error(), r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Stage advance failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// streamOrderEvents serves an SSE stream of change events for one order.
func (s *Server) streamOrderEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)
	// initial heartbeat
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"orderId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt)
			fmt.Fprintf(w, "event: %s\n", evt.UpdateType)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"orderId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// SyncStatusHandler handles GET /v1/sync/status
func (s *Server) SyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cs := model.ConnectionState{Status: model.ConnDisconnected}
	if s.Engine != nil {
		cs = s.Engine.ConnectionState()
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
