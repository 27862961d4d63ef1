package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"ssh-port-lease/internal/config"
	"ssh-port-lease/internal/lease"
	"ssh-port-lease/internal/logging"
)

// Response bodies for failures are plain text and compared byte for byte by
// existing clients.
const (
	msgInvalidMacID    = "Invalid macId."
	msgRequestMinutes  = "The 'minutes' parameter is invalid OR exceeds 24 hours"
	msgAddTimeMinutes  = "Invalid parameter 'minutes'"
	msgNoActiveLease   = "No active port for macId."
	msgPoolExhausted   = "No ports available."
	msgInternal        = "Internal error."
	msgTooManyRequests = "Too many requests."
)

type LeaseManager interface {
	RequestPort(ctx context.Context, macID string, minutes int) (lease.Lease, error)
	AddTime(ctx context.Context, macID string, minutes int) (lease.Lease, error)
	LookupPort(ctx context.Context, macID string) (int, error)
	Leases() []lease.Lease
	Stats() lease.Stats
}

type Handler struct {
	manager    LeaseManager
	maxMinutes int
	limiter    *rate.Limiter
	metrics    http.Handler
}

// NewHandler builds the HTTP handler. gatherer may be nil, in which case
// /metrics is not served.
func NewHandler(cfg config.Config, manager LeaseManager, gatherer prometheus.Gatherer) *Handler {
	maxMinutes := cfg.MaxLeaseMinutes
	if maxMinutes <= 0 || maxMinutes > lease.MaxMinutes {
		maxMinutes = lease.MaxMinutes
	}
	h := &Handler{
		manager:    manager,
		maxMinutes: maxMinutes,
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = cfg.RateLimitRPS
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}
	if cfg.MetricsEnabled && gatherer != nil {
		h.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return h
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /request-port", h.withRateLimit(http.HandlerFunc(h.handleRequestPort)))
	mux.Handle("GET /add-port-time", h.withRateLimit(http.HandlerFunc(h.handleAddPortTime)))
	mux.Handle("GET /lookup-port", h.withRateLimit(http.HandlerFunc(h.handleLookupPort)))
	mux.Handle("GET /v1/leases", h.withRateLimit(http.HandlerFunc(h.handleListLeases)))
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

func (h *Handler) withRateLimit(next http.Handler) http.Handler {
	if h.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			writeText(w, http.StatusTooManyRequests, msgTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestPortResponse struct {
	MacID      string `json:"macId"`
	Port       int    `json:"port"`
	Minutes    int    `json:"minutes"`
	CutoffTime string `json:"cutoff_time"`
}

type addPortTimeResponse struct {
	MacID      string `json:"macid"`
	Port       int    `json:"port"`
	CutoffTime string `json:"cutoff_time"`
}

type leaseResponse struct {
	MacID      string `json:"macid"`
	Port       int    `json:"port"`
	Minutes    int    `json:"minutes"`
	CutoffTime string `json:"cutoff_time"`
}

type listLeasesResponse struct {
	Stats  lease.Stats     `json:"stats"`
	Leases []leaseResponse `json:"leases"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleRequestPort(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	macID := query.Get("macid")
	if macID == "" {
		logging.L().Warn("lease.request failed", "error", "missing macid")
		writeText(w, http.StatusBadRequest, msgInvalidMacID)
		return
	}
	minutes := 0
	if raw := query.Get("minutes"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > h.maxMinutes {
			logging.WithMacID(macID).Warn("lease.request failed", "error", "invalid minutes", "minutes", raw)
			writeText(w, http.StatusBadRequest, msgRequestMinutes)
			return
		}
		minutes = parsed
	}

	granted, err := h.manager.RequestPort(r.Context(), macID, minutes)
	if err != nil {
		h.writeLeaseError(w, "lease.request", macID, msgRequestMinutes, err)
		return
	}
	logging.WithMacID(macID).Info(
		"lease.request",
		"port",
		granted.Port,
		"minutes",
		granted.Minutes,
		"cutoff_time",
		lease.FormatCutoff(granted.CutoffTime),
	)
	writeJSON(w, http.StatusOK, requestPortResponse{
		MacID:      granted.MacID,
		Port:       granted.Port,
		Minutes:    granted.Minutes,
		CutoffTime: lease.FormatCutoff(granted.CutoffTime),
	})
}

func (h *Handler) handleAddPortTime(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	macID := query.Get("macid")
	if macID == "" {
		logging.L().Warn("lease.add_time failed", "error", "missing macid")
		writeText(w, http.StatusBadRequest, msgInvalidMacID)
		return
	}
	raw := query.Get("minutes")
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes < 1 || minutes > h.maxMinutes {
		logging.WithMacID(macID).Warn("lease.add_time failed", "error", "invalid minutes", "minutes", raw)
		writeText(w, http.StatusBadRequest, msgAddTimeMinutes)
		return
	}

	extended, err := h.manager.AddTime(r.Context(), macID, minutes)
	if err != nil {
		h.writeLeaseError(w, "lease.add_time", macID, msgAddTimeMinutes, err)
		return
	}
	logging.WithMacID(macID).Info("lease.add_time", "port", extended.Port, "minutes", minutes, "cutoff_time", lease.FormatCutoff(extended.CutoffTime))
	writeJSON(w, http.StatusOK, addPortTimeResponse{
		MacID:      extended.MacID,
		Port:       extended.Port,
		CutoffTime: lease.FormatCutoff(extended.CutoffTime),
	})
}

func (h *Handler) handleLookupPort(w http.ResponseWriter, r *http.Request) {
	macID := r.URL.Query().Get("macid")
	port, err := h.manager.LookupPort(r.Context(), macID)
	if err != nil {
		h.writeLeaseError(w, "lease.lookup", macID, msgInvalidMacID, err)
		return
	}
	logging.WithMacID(macID).Debug("lease.lookup", "port", port)
	writeJSON(w, http.StatusOK, port)
}

func (h *Handler) handleListLeases(w http.ResponseWriter, r *http.Request) {
	active := h.manager.Leases()
	resp := listLeasesResponse{
		Stats:  h.manager.Stats(),
		Leases: make([]leaseResponse, 0, len(active)),
	}
	for _, l := range active {
		resp.Leases = append(resp.Leases, leaseResponse{
			MacID:      l.MacID,
			Port:       l.Port,
			Minutes:    l.Minutes,
			CutoffTime: lease.FormatCutoff(l.CutoffTime),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeLeaseError maps a manager error to a status and fixed message.
// minutesMsg is the endpoint-specific text for an invalid minutes value.
func (h *Handler) writeLeaseError(w http.ResponseWriter, event, macID, minutesMsg string, err error) {
	log := logging.WithMacID(macID)
	switch lease.KindOf(err) {
	case lease.KindInvalidClientID:
		log.Warn(event+" failed", "error", err)
		writeText(w, http.StatusBadRequest, msgInvalidMacID)
	case lease.KindInvalidParameter:
		log.Warn(event+" failed", "error", err)
		writeText(w, http.StatusBadRequest, minutesMsg)
	case lease.KindNotFound:
		log.Warn(event+" failed", "error", err)
		writeText(w, http.StatusNotFound, msgNoActiveLease)
	case lease.KindPoolExhausted:
		log.Error(event+" failed", "error", err)
		writeText(w, http.StatusServiceUnavailable, msgPoolExhausted)
	default:
		log.Error(event+" failed", "error", err)
		writeText(w, http.StatusInternalServerError, msgInternal)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeText writes message verbatim; http.Error would append a newline.
func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}
