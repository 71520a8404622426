// Package api exposes the sensor hub over HTTP: buffered readings, node
// management and command dispatch for the dashboard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/sensorhub/pkg/registry"
	"github.com/illmade-knight/sensorhub/pkg/transport"
	"github.com/illmade-knight/sensorhub/pkg/types"
	"github.com/illmade-knight/sensorhub/services/sensorhub/hub"
)

// Response status values.
const (
	StatusSuccess  = "success"
	StatusExists   = "exists"
	StatusNotFound = "not_found"
	StatusError    = "error"
)

// TimeLocalFormat is the layout of the time_local field.
const TimeLocalFormat = "2006-01-02 15:04:05"

// Hub is the set of operations the API serves; *hub.Service implements it.
type Hub interface {
	RegisterNode(ctx context.Context, macID string) (registry.RegisterResult, error)
	ListNodes(ctx context.Context) ([]types.NodeEntry, error)
	DeregisterNode(ctx context.Context, macID string) (registry.DeregisterResult, error)
	Readings(nodeID string, limit int) []types.Reading
	Latest() map[string]types.Reading
	SendCommand(body []byte) (string, error)
	SendNodeCommand(ctx context.Context, nodeID string, body []byte) (string, error)
	Health() hub.Health
}

// Config holds the API settings.
type Config struct {
	DefaultLimit int
	Location     *time.Location
	MaxBodyBytes int64
	// AllowedOrigin is sent as Access-Control-Allow-Origin.
	AllowedOrigin string
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{DefaultLimit: 50, Location: time.Local, MaxBodyBytes: 64 << 10, AllowedOrigin: "*"}
}

// Handler serves the hub's HTTP operations.
type Handler struct {
	hub    Hub
	cfg    Config
	logger zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(h Hub, cfg Config, logger zerolog.Logger) *Handler {
	d := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = d.DefaultLimit
	}
	if cfg.Location == nil {
		cfg.Location = d.Location
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = d.AllowedOrigin
	}
	return &Handler{hub: h, cfg: cfg, logger: logger.With().Str("component", "HTTPAPI").Logger()}
}

// ReadingView is a reading plus its timestamp in the configured timezone.
type ReadingView struct {
	types.Reading
	TimeLocal string `json:"time_local"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type readingsResponse struct {
	Status string        `json:"status"`
	NodeID string        `json:"node_id"`
	Data   []ReadingView `json:"data"`
}

type registerResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	Created bool   `json:"created"`
}

type nodesResponse struct {
	Status string            `json:"status"`
	Nodes  []types.NodeEntry `json:"nodes"`
}

type deregisterResponse struct {
	Status  string `json:"status"`
	NodeID  string `json:"node_id"`
	Deleted bool   `json:"deleted"`
}

type commandResponse struct {
	Status string `json:"status"`
	Topic  string `json:"topic"`
}

type latestResponse struct {
	Status string                 `json:"status"`
	Data   map[string]ReadingView `json:"data"`
}

func (h *Handler) view(r types.Reading) ReadingView {
	return ReadingView{Reading: r, TimeLocal: r.Time().In(h.cfg.Location).Format(TimeLocalFormat)}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Status: StatusError, Message: msg})
}

// writeRegistryError maps registry and transport failures to structured
// results.
func (h *Handler) writeRegistryError(w http.ResponseWriter, err error) {
	var storeErr *registry.StoreError
	switch {
	case errors.Is(err, registry.ErrInvalidMacID):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &storeErr):
		h.logger.Error().Err(err).Msg("Registry store failure")
		h.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Error().Err(err).Msg("Unexpected registry failure")
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// GetReadings handles GET /data-sensor/{node_id...}?limit=N.
func (h *Handler) GetReadings(w http.ResponseWriter, r *http.Request) {
	nodeID, err := nodeIDParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := h.cfg.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs := h.hub.Readings(nodeID, limit)
	data := make([]ReadingView, 0, len(recs))
	for _, rec := range recs {
		data = append(data, h.view(rec))
	}
	h.writeJSON(w, http.StatusOK, readingsResponse{Status: StatusSuccess, NodeID: nodeID, Data: data})
}

// AddNode handles GET /add/node?mac_id=X.
func (h *Handler) AddNode(w http.ResponseWriter, r *http.Request) {
	res, err := h.hub.RegisterNode(r.Context(), r.URL.Query().Get("mac_id"))
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	status := StatusExists
	if res.Created {
		status = StatusSuccess
	}
	h.writeJSON(w, http.StatusOK, registerResponse{Status: status, NodeID: res.NodeID, Created: res.Created})
}

// ListNodes handles GET /get/nodes.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.hub.ListNodes(r.Context())
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	if nodes == nil {
		nodes = []types.NodeEntry{}
	}
	h.writeJSON(w, http.StatusOK, nodesResponse{Status: StatusSuccess, Nodes: nodes})
}

// DeleteNode handles DELETE /delete/node?mac_id=X.
func (h *Handler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	res, err := h.hub.DeregisterNode(r.Context(), r.URL.Query().Get("mac_id"))
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	if !res.Found {
		h.writeJSON(w, http.StatusNotFound, deregisterResponse{Status: StatusNotFound})
		return
	}
	h.writeJSON(w, http.StatusOK, deregisterResponse{Status: StatusSuccess, NodeID: res.NodeID, Deleted: true})
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "command body too large")
		return nil, false
	}
	return body, true
}

func (h *Handler) writeCommandResult(w http.ResponseWriter, topic string, err error) {
	var storeErr *registry.StoreError
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, commandResponse{Status: StatusSuccess, Topic: topic})
	case errors.Is(err, registry.ErrNodeNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Status: StatusNotFound, Message: err.Error()})
	case errors.Is(err, hub.ErrInvalidCommand):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transport.ErrNotConnected):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &storeErr):
		h.writeRegistryError(w, err)
	default:
		h.logger.Error().Err(err).Msg("Command publish failed")
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// SendCommand handles PUT /cmd.
func (h *Handler) SendCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	topic, err := h.hub.SendCommand(body)
	h.writeCommandResult(w, topic, err)
}

// SendNodeCommand handles PUT /cmd/sensor/{node_id...}.
func (h *Handler) SendNodeCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	nodeID, err := nodeIDParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	topic, err := h.hub.SendNodeCommand(r.Context(), nodeID, body)
	h.writeCommandResult(w, topic, err)
}

// nodeIDParam returns the wildcard node id. chi matches on the escaped path,
// so a dashboard that encodes the slashes (gateway1%2Fnode%2FAA) is decoded
// here.
func nodeIDParam(r *http.Request) (string, error) {
	nodeID, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		return "", errors.New("node_id is not a valid path")
	}
	if nodeID == "" {
		return "", errors.New("node_id is required")
	}
	return nodeID, nil
}

// Latest handles GET /last.
func (h *Handler) Latest(w http.ResponseWriter, _ *http.Request) {
	latest := h.hub.Latest()
	data := make(map[string]ReadingView, len(latest))
	for id, rec := range latest {
		data[id] = h.view(rec)
	}
	h.writeJSON(w, http.StatusOK, latestResponse{Status: StatusSuccess, Data: data})
}

// Health handles GET /health. It answers 503 once the transport is
// unavailable.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	health := h.hub.Health()
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}
