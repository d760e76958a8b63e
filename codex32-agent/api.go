package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/bmizerany/pat"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// api is the HTTP/WebSocket control plane from spec.md §6. Routing is
// built the way harpoon-agent/api.go builds it: a pat mux with one
// registered handler per verb+path, wrapped in a struct holding the
// collaborators the handlers close over.
type api struct {
	http.Handler

	registry   *registry
	executor   *executor
	supervisor *supervisor
	incidents  *incidentLog
	cfg        *Settings
	log        *logrus.Logger

	upgrader websocket.Upgrader
}

func newAPI(reg *registry, exec *executor, sup *supervisor, incidents *incidentLog, cfg *Settings, log *logrus.Logger) *api {
	mux := pat.New()
	a := &api{
		Handler:    mux,
		registry:   reg,
		executor:   exec,
		supervisor: sup,
		incidents:  incidents,
		cfg:        cfg,
		log:        log,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	mux.Get("/bots", http.HandlerFunc(a.handleListBots))
	mux.Post("/bots", http.HandlerFunc(a.handleCreateBot))
	mux.Get("/bots/:id", http.HandlerFunc(a.handleGetBot))
	mux.Put("/bots/:id", http.HandlerFunc(a.handleUpdateBot))
	mux.Del("/bots/:id", http.HandlerFunc(a.handleDeleteBot))
	mux.Post("/bots/:id/start", http.HandlerFunc(a.handleStartBot))
	mux.Post("/bots/:id/stop", http.HandlerFunc(a.handleStopBot))
	mux.Get("/system/stats", http.HandlerFunc(a.handleSystemStats))
	mux.Get("/self/runtime", http.HandlerFunc(a.handleSelfRuntime))
	mux.Get("/self/incidents", http.HandlerFunc(a.handleSelfIncidents))
	mux.Get("/ws/updates", http.HandlerFunc(a.handleWSUpdates))
	mux.Get("/metrics", promhttp.Handler())

	return a
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (a *api) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots := a.registry.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"bots":  bots,
		"total": len(bots),
		"stats": a.registry.Stats(),
	})
}

func (a *api) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	var b agent.BotRecord
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.registry.RegisterBot(b)
	if kind, ok := agent.KindOf(err); ok && kind == agent.KindAlreadyExists {
		writeError(w, http.StatusConflict, err.Error())
		return
	} else if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (a *api) handleGetBot(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	b, ok := a.registry.GetByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *api) handleUpdateBot(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")

	var b agent.BotRecord
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if b.ID != id {
		writeError(w, http.StatusBadRequest, "url id must match body id")
		return
	}

	updated, err := a.registry.UpdateBot(b)
	if kind, ok := agent.KindOf(err); ok && kind == agent.KindNotFound {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (a *api) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	if !a.registry.UnregisterBot(id) {
		writeError(w, http.StatusNotFound, "bot not found or already deleted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "bot_id": id})
}

func (a *api) handleStartBot(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	b, ok := a.registry.GetByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	if b.Status == agent.StatusRunning || b.Status == agent.StatusDeploying {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running", "bot_id": id})
		return
	}

	if err := a.executor.RunBot(b); err != nil {
		if kind, ok := agent.KindOf(err); ok && kind == agent.KindBlueprintMissing {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "bot_id": id})
}

func (a *api) handleStopBot(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")
	if _, ok := a.registry.GetByID(id); !ok {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "Stopped via API"
	}

	ok, err := a.executor.StopBot(id, reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_running", "bot_id": id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "bot_id": id})
}

// handleSystemStats reports registry stats plus host capacity (CPU count
// and total memory), the latter via systemCPUs/systemMemoryMB.
func (a *api) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	host := map[string]any{"cpus": systemCPUs()}
	if memMB, err := systemMemoryMB(); err != nil {
		a.log.WithError(err).Warn("failed to read host memory for system stats")
	} else {
		host["memory_mb"] = memMB
	}

	stats := a.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_bots":     stats.TotalBots,
		"bots_by_status": stats.BotsByStatus,
		"active_bots":    stats.ActiveBots,
		"failed_bots":    stats.FailedBots,
		"host":           host,
	})
}

func (a *api) handleSelfRuntime(w http.ResponseWriter, r *http.Request) {
	bots := a.registry.GetAll()
	running := make([]string, 0)
	for _, b := range bots {
		if b.Status == agent.StatusRunning {
			running = append(running, b.ID)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bots_total":   len(bots),
		"bots_running": running,
		"executor": map[string]int{
			"running_processes":  a.executor.TrackedProcesses(),
			"running_containers": a.executor.TrackedContainers(),
		},
		"supervisor": map[string]bool{"enabled": a.supervisor != nil},
	})
}

func (a *api) handleSelfIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	incidents, err := a.incidents.Tail(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"incidents": incidents})
}

// handleWSUpdates sends a heartbeat frame every 5 seconds, per spec.md
// §6's WebSocket /ws/updates contract.
func (a *api) handleWSUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var mu sync.Mutex
	for range ticker.C {
		mu.Lock()
		err := conn.WriteJSON(map[string]string{
			"type":      "heartbeat",
			"timestamp": agent.Timestamp(),
		})
		mu.Unlock()
		if err != nil {
			return
		}
	}
}
