package server

import (
	"encoding/json"
	"net/http"

	"github.com/standardbeagle/previewd/internal/ports"
)

// Info is the system-info document served on the main listener.
type Info struct {
	Version          string  `json:"version"`
	MainPort         *uint16 `json:"main_port"`
	PreviewProxyPort *uint16 `json:"preview_proxy_port"`
}

// InfoHandler serves GET /api/info and GET /health. Ports are null until the
// registry has been published.
func InfoHandler(registry *ports.Registry, version string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/info", func(w http.ResponseWriter, r *http.Request) {
		info := Info{Version: version}
		if a, ok := registry.Assignment(); ok {
			mainPort := a.MainPort
			info.MainPort = &mainPort
			info.PreviewProxyPort = a.PreviewProxyPort
		}
		writeJSON(w, info)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(v)
}
