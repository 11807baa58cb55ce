package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"marketdash/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	json.NewEncoder(w).Encode(v)
}

// RegisterRoutes registers all HTTP routes on the provided mux. store may be nil.
func RegisterRoutes(mux *http.ServeMux, hub *Hub, store ViewStore, opts Options) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		hub.HandleWSRequest(conn)
	})

	// REST: active view, or the stored view of another selection
	mux.HandleFunc("/api/view", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "GET only"})
			return
		}

		active := hub.sel.View()
		q := r.URL.Query()
		if q.Get("symbol") == "" && q.Get("interval") == "" {
			writeJSON(w, http.StatusOK, &active)
			return
		}

		key, err := model.NewSelectionKey(q.Get("symbol"), q.Get("interval"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		if key == active.Key() {
			writeJSON(w, http.StatusOK, &active)
			return
		}
		if store == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "no view for " + key.String()})
			return
		}
		v, err := store.LatestView(r.Context(), key)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
			return
		}
		if v == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "no view for " + key.String()})
			return
		}
		writeJSON(w, http.StatusOK, v)
	})

	// REST: POST /api/select
	mux.HandleFunc("/api/select", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
			return
		case http.MethodPost:
		default:
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "POST only"})
			return
		}

		var req SelectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON"})
			return
		}
		key, err := model.NewSelectionKey(req.Symbol, req.Interval)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
			return
		}
		if err := hub.sel.Select(key.Symbol, key.Interval); err != nil {
			code := http.StatusServiceUnavailable
			if errors.Is(err, model.ErrInvalidSelection) {
				code = http.StatusBadRequest
			}
			writeJSON(w, code, errorBody{Error: err.Error()})
			return
		}
		log.Printf("[gateway] selection requested: %s", key)
		writeJSON(w, http.StatusAccepted, SelectResponse{Status: "ok", Selection: key})
	})

	// REST: selectable pairs and indicators
	mux.HandleFunc("/api/options", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, opts)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		writeJSON(w, http.StatusOK, hub.Stats())
	})
}
