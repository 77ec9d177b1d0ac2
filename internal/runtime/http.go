package runtime

import (
	"encoding/json"
	"net/http"

	"github.com/loqalabs/loqa-dictate/internal/llm"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

type statusResponse struct {
	Runtime      string                 `json:"runtime"`
	Status       protocol.StatusMessage `json:"status"`
	Tone         string                 `json:"tone"`
	EngineReady  bool                   `json:"engine_ready"`
	EngineDevice string                 `json:"engine_device,omitempty"`
	EngineError  string                 `json:"engine_error,omitempty"`
	RewriteModel string                 `json:"rewrite_model,omitempty"`
	BusConnected bool                   `json:"bus_connected"`
}

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady stays unavailable while the speech engine loads.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.controller == nil {
		http.Error(w, "not started", http.StatusServiceUnavailable)
		return
	}
	resp := statusResponse{
		Runtime:      r.cfg.RuntimeName,
		Status:       protocol.StatusFromEvent(r.controller.Status()),
		Tone:         string(r.controller.Tone()),
		BusConnected: r.busClient != nil && r.busClient.Healthy(),
	}
	if r.loader != nil {
		resp.EngineReady = r.loader.Ready()
		resp.EngineDevice = r.loader.Device()
		if err := r.loader.Err(); err != nil {
			resp.EngineError = err.Error()
		}
	}
	if og, ok := r.generator.(*llm.OllamaGenerator); ok {
		resp.RewriteModel = og.Model()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
