package web

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"fieldlog/catalog"
	"fieldlog/measure"
	"fieldlog/storage"
)

// StatusResponse is the JSON response for /api/status.
type StatusResponse struct {
	Device     string `json:"device"`
	State      string `json:"state"`
	Cycles     int64  `json:"cycles"`
	Persisted  int64  `json:"persisted"`
	Failures   int64  `json:"failures"`
	LastCycle  string `json:"last_cycle,omitempty"`
	LastID     string `json:"last_id,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Registers  int    `json:"registers"`
}

// RegisterResponse is the JSON response for one catalog entry.
type RegisterResponse struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Unit        string   `json:"unit"`
	Register    uint16   `json:"register"`
	Physical    uint16   `json:"physical"`
	Type        string   `json:"type"`
	Length      uint16   `json:"length"`
	Scaling     string   `json:"scaling"`
	Access      string   `json:"access"`
	Value       *float32 `json:"value"` // From the last record; null if absent or failed
}

// HistoryResponse is the JSON response for /api/history/{key}.
type HistoryResponse struct {
	Key     string           `json:"key"`
	Samples []storage.Sample `json:"samples"`
}

type handlers struct {
	backend Backend
	opts    Options
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (h *handlers) catalog() *catalog.Catalog {
	if h.opts.Catalog == nil {
		return catalog.Empty(catalog.Settings{VTR: 1, CTR: 1})
	}
	return h.opts.Catalog.Load()
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

func (h *handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.backend.Stats()
	resp := StatusResponse{
		Device:     h.opts.Device,
		State:      h.backend.Status().String(),
		Cycles:     stats.Cycles,
		Persisted:  stats.Persisted,
		Failures:   stats.Failures,
		LastID:     stats.LastResult.ID,
		LastError:  stats.LastResult.Message,
		DurationMS: stats.LastResult.Duration.Milliseconds(),
		Registers:  h.catalog().Len(),
	}
	if !stats.LastCycle.IsZero() {
		resp.LastCycle = stats.LastCycle.Format(time.RFC3339)
	}
	writeJSON(w, resp)
}

func (h *handlers) handleLatest(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.backend.LastRecord()
	if !ok {
		writeError(w, http.StatusNotFound, "no record yet")
		return
	}
	writeJSON(w, rec)
}

func (h *handlers) handleRegisters(w http.ResponseWriter, r *http.Request) {
	cat := h.catalog()
	rec, _ := h.backend.LastRecord()

	resp := make([]RegisterResponse, 0, cat.Len())
	for _, def := range cat.Definitions() {
		resp = append(resp, registerResponse(def, cat.Settings(), rec))
	}
	writeJSON(w, resp)
}

func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	cat := h.catalog()

	def, ok := cat.Lookup(key)
	if !ok {
		writeError(w, http.StatusNotFound, "register not found")
		return
	}
	rec, _ := h.backend.LastRecord()
	writeJSON(w, registerResponse(def, cat.Settings(), rec))
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := h.catalog().Lookup(key); !ok {
		writeError(w, http.StatusNotFound, "register not found")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}

	samples, err := h.opts.History.History(r.Context(), key, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if samples == nil {
		samples = []storage.Sample{}
	}
	writeJSON(w, HistoryResponse{Key: key, Samples: samples})
}

func registerResponse(def catalog.RegisterDefinition, settings catalog.Settings, rec measure.Record) RegisterResponse {
	resp := RegisterResponse{
		Key:         def.Key,
		Name:        def.Name,
		Description: def.Description,
		Unit:        def.Unit,
		Register:    def.Address,
		Physical:    settings.PhysicalAddress(def.Address),
		Type:        def.DataType,
		Length:      def.Length,
		Scaling:     def.Scaling,
		Access:      def.Access,
	}
	if v, ok := rec.Value(def.Key); ok && !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
		resp.Value = &v
	}
	return resp
}
