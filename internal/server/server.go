// Package server exposes the pipeline to UI collaborators over HTTP, with
// per-generation progress streamed over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"chromafits/internal/cache"
	"chromafits/internal/command"
	"chromafits/internal/config"
	"chromafits/internal/generate"
	"chromafits/internal/params"
	"chromafits/internal/storage"
	"chromafits/internal/tools"
)

const defaultHistoryLimit = 50

// retired handles linger briefly so a client can still fetch the terminal
// state of a generation it submitted.
const handleRetention = 10 * time.Minute

// Server is the collaborator API.
type Server struct {
	cfg      *config.Config
	log      *slog.Logger
	exec     *generate.Executor
	store    *storage.Store
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handles map[string]*generate.Handle
}

// New builds a Server around an executor and the preset/history store.
func New(cfg *config.Config, logger *slog.Logger, exec *generate.Executor, store *storage.Store) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:  cfg,
		log:  logger,
		exec: exec,
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The collaborator UI runs on the same host.
				return true
			},
		},
		handles: make(map[string]*generate.Handle),
	}
}

// Router wires up all endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/generate", s.handleGenerate).Methods("POST")
	r.HandleFunc("/api/generations/{id}/ws", s.handleGenerationWS).Methods("GET")
	r.HandleFunc("/api/generations/{id}/cancel", s.handleCancel).Methods("POST")

	r.HandleFunc("/api/command/preview", s.handleCommandPreview).Methods("POST")

	r.HandleFunc("/api/cache", s.handleCacheList).Methods("GET")
	r.HandleFunc("/api/cache", s.handleCacheClear).Methods("DELETE")
	r.HandleFunc("/api/cache/stats", s.handleCacheStats).Methods("GET")
	r.HandleFunc("/api/cache/{key}", s.handleCacheRemove).Methods("DELETE")

	r.HandleFunc("/api/presets", s.handlePresetList).Methods("GET")
	r.HandleFunc("/api/presets/{name}", s.handlePresetGet).Methods("GET")
	r.HandleFunc("/api/presets/{name}", s.handlePresetSave).Methods("PUT")
	r.HandleFunc("/api/presets/{name}", s.handlePresetDelete).Methods("DELETE")
	r.HandleFunc("/api/presets/{name}/rename", s.handlePresetRename).Methods("POST")

	r.HandleFunc("/api/history", s.handleHistory).Methods("GET")
	r.HandleFunc("/api/history", s.handleHistoryPrune).Methods("DELETE")

	r.HandleFunc("/api/tool", s.handleTool).Methods("GET")

	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("collaborator API listening", "port", s.cfg.Server.Port)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type submitResponse struct {
	ID  string    `json:"id"`
	Key cache.Key `json:"key"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	h, err := s.exec.Submit(req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()
	time.AfterFunc(handleRetention, func() {
		s.mu.Lock()
		delete(s.handles, h.ID)
		s.mu.Unlock()
	})

	writeJSON(w, http.StatusAccepted, submitResponse{ID: h.ID, Key: h.Key})
}

func (s *Server) lookupHandle(id string) *generate.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Server) handleGenerationWS(w http.ResponseWriter, r *http.Request) {
	h := s.lookupHandle(mux.Vars(r)["id"])
	if h == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown generation id"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range h.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Terminal() {
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	h := s.lookupHandle(mux.Vars(r)["id"])
	if h == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown generation id"))
		return
	}
	h.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

type previewRequest struct {
	Parameters params.Set     `json:"parameters"`
	Inputs     command.Inputs `json:"inputs"`
	OutputPath string         `json:"output_path"`
}

type previewResponse struct {
	Argv     []string `json:"argv"`
	Rendered string   `json:"rendered"`
}

func (s *Server) handleCommandPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.OutputPath == "" {
		req.OutputPath = "color.tif"
	}
	argv, err := command.NewBuilder(s.cfg.Tool.Path).Build(req.Parameters, req.Inputs, req.OutputPath)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Argv: argv, Rendered: command.Render(argv)})
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	var (
		entries []*cache.Entry
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err = s.exec.Cache().Search(q)
	} else {
		entries, err = s.exec.Cache().List()
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*cache.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.exec.Cache().GetStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.exec.Cache().Clear()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleCacheRemove(w http.ResponseWriter, r *http.Request) {
	removed, err := s.exec.Cache().Remove(cache.Key(mux.Vars(r)["key"]))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, errors.New("no such cache entry"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresetList(w http.ResponseWriter, r *http.Request) {
	presets, err := s.store.ListPresets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if presets == nil {
		presets = []*storage.Preset{}
	}
	writeJSON(w, http.StatusOK, presets)
}

func (s *Server) handlePresetGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPreset(mux.Vars(r)["name"])
	if errors.Is(err, storage.ErrPresetNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type presetBody struct {
	Description string     `json:"description"`
	Parameters  params.Set `json:"parameters"`
}

func (s *Server) handlePresetSave(w http.ResponseWriter, r *http.Request) {
	var body presetBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := body.Parameters.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := s.store.SavePreset(mux.Vars(r)["name"], body.Description, body.Parameters); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresetDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeletePreset(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, storage.ErrPresetNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePresetRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewName string `json:"new_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err := s.store.RenamePreset(mux.Vars(r)["name"], body.NewName)
	switch {
	case errors.Is(err, storage.ErrPresetNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrPresetExists):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var (
		recs []*storage.HistoryRecord
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		recs, err = s.store.FilterHistory(q, limit)
	} else {
		recs, err = s.store.RecentHistory(limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*storage.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleHistoryPrune(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.PruneHistory()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	st := tools.Probe(s.cfg.Tool.Path)
	resp := map[string]any{
		"available": st.Available,
		"path":      st.Path,
		"version":   st.Version,
	}
	if st.Error != nil {
		resp["error"] = st.Error.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
