package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/meshdraw/internal/hub"
)

type roomResponse struct {
	Code    string   `json:"code"`
	Members []uint32 `json:"members,omitempty"`
}

// CreateRoom reserves a fresh room code that peers can then join with J.
func CreateRoom(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan string, 1)
		select {
		case h.Inbox() <- hub.ReserveRoom{Reply: reply}:
		case <-h.Done():
			http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
			return
		}
		code := <-reply
		if code == "" {
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}
		log.Info("room reserved", zap.String("room", code))
		writeJSON(w, http.StatusCreated, roomResponse{Code: code})
	}
}

func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		reply := make(chan []uint32, 1)
		select {
		case h.Inbox() <- hub.GetRoom{Code: code, Reply: reply}:
		case <-h.Done():
			http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
			return
		}
		members := <-reply
		if members == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, roomResponse{Code: code, Members: members})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
