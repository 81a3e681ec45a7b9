package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"timeglass/remotectl/pkg/proto"
)

const maxShutdownDelay = 3600

// Handler routes the agent WebSocket endpoints, the HTTP API and, when
// configured, the static admin UI.
func (h *Hub) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/ws", h.handleWS)
	router.GET("/ws/:client_id", h.handleWS)

	router.GET("/api/clients", h.auth(h.listClients))
	router.GET("/api/clients/:id", h.auth(h.getClient))
	router.POST("/api/clients/:id/lock-screen", h.auth(h.lockScreen))
	router.POST("/api/clients/:id/shutdown", h.auth(h.shutdown))
	router.GET("/api/commands", h.auth(h.listResults))
	router.GET("/api/commands/:id", h.auth(h.getResult))

	if h.staticDir != "" {
		router.NotFound = http.FileServer(http.Dir(h.staticDir))
	}
	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (h *Hub) listClients(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	clients := h.Clients()
	writeJSON(w, http.StatusOK, proto.ClientList{Clients: clients, Total: len(clients)})
}

func (h *Hub) getClient(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	c, ok := h.Client(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Client %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Hub) lockScreen(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	cmdID, err := h.Issue(r.Context(), id, proto.KindLockScreen, nil)
	if err != nil {
		h.issueFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.IssueResponse{
		Success:   true,
		Message:   fmt.Sprintf("Lock screen command sent to client %s", id),
		CommandID: cmdID,
	})
}

func (h *Hub) shutdown(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	delay := 0
	if v := r.URL.Query().Get("delay_seconds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxShutdownDelay {
			writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("delay_seconds must be an integer in 0..%d", maxShutdownDelay))
			return
		}
		delay = n
	}
	cmdID, err := h.Issue(r.Context(), id, proto.KindShutdown, map[string]any{"delay_seconds": delay})
	if err != nil {
		h.issueFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.IssueResponse{
		Success:   true,
		Message:   fmt.Sprintf("Shutdown command sent to client %s with %ds delay", id, delay),
		CommandID: cmdID,
	})
}

func (h *Hub) issueFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotConnected) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.log.Errorw("send command failed", "error", err)
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to send command: %v", err))
}

func (h *Hub) listResults(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	results := []proto.CommandResult{}
	if h.store != nil {
		var err error
		if results, err = h.store.ListResults(r.Context(), 0); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, proto.ResultList{Results: results, Total: len(results)})
}

func (h *Hub) getResult(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	var res *proto.CommandResult
	if h.store != nil {
		var err error
		if res, err = h.store.GetResult(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if res == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Command result for %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
