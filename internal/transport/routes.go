package transport

import (
	"encoding/json"
	"net/http"
)

// Info is the body of the service info route.
type Info struct {
	Service  string `json:"service"`
	Language string `json:"language"`
	Status   string `json:"status"`
}

// DefaultInfo describes this service.
var DefaultInfo = Info{
	Service:  "Alice Voice (Gemini Native Audio)",
	Language: "Svenska",
	Status:   "running",
}

// InfoHandler serves info as JSON.
func InfoHandler(info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(info)
	}
}

// Register adds GET /ws and the exact-match GET / info route to mux.
func (h *Hub) Register(mux *http.ServeMux, info Info) {
	mux.Handle("GET /ws", h)
	mux.HandleFunc("GET /{$}", InfoHandler(info))
}
