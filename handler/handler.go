// Package handler implements the Service Surface: the four HTTP/JSON
// operations of spec §4.8 (POST /api/tokens, POST /api/batch/historical,
// GET /api/queue/status, GET /health) on top of the Resolution Pipeline,
// Job Queue, and the tiers' own health checks.
//
// Grounded in the teacher's handler/proxy.go request-decode-validate-
// dispatch-encode shape, restructured around the oracle domain's own
// validation rules (token regex, network allow-list, timestamp parsing).
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/tokenprice/oracle-service/config"
	"github.com/tokenprice/oracle-service/pipeline"
	"github.com/tokenprice/oracle-service/queue"
)

var tokenRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// resolver is the subset of *pipeline.Pipeline the handler needs.
type resolver interface {
	Resolve(ctx context.Context, token, network string, timestamp *time.Time) (*pipeline.Reply, error)
}

// enqueuer is the subset of *queue.Queue the handler needs for batch jobs.
type enqueuer interface {
	EnqueueBatchHistorical(ctx context.Context, p queue.BatchHistoricalPayload) (*asynq.TaskInfo, error)
}

// queueStatus is the subset of *queue.Inspector the handler needs.
type queueStatus interface {
	Status(queue string) (queue.JobCounts, error)
}

// pinger is satisfied by any dependency the health check probes.
type pinger interface {
	Ping(ctx context.Context) error
}

// simplePinger is satisfied by dependencies whose Ping takes no context
// (the redis client wrapper).
type simplePinger interface {
	Ping() error
}

// Handler wires the Service Surface's HTTP endpoints to their collaborators.
type Handler struct {
	pipeline resolver
	queue    enqueuer
	inspect  queueStatus
	store    pinger
	redis    simplePinger
	cfg      *config.Config
	log      zerolog.Logger
}

// New builds a Handler over its collaborators.
func New(p resolver, q enqueuer, insp queueStatus, st pinger, rd simplePinger, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline: p,
		queue:    q,
		inspect:  insp,
		store:    st,
		redis:    rd,
		cfg:      cfg,
		log:      log.With().Str("component", "handler").Logger(),
	}
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeValidationError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"success": false,
		"error":   apiError{Type: "validation_error", Message: message},
	})
}

// normalizeToken validates and lowercases a token address.
func normalizeToken(token string) (string, bool) {
	if !tokenRegex.MatchString(token) {
		return "", false
	}
	return strings.ToLower(token), true
}

type tokenRequest struct {
	Token     string  `json:"token"`
	Network   string  `json:"network"`
	Timestamp *string `json:"timestamp,omitempty"`
}

// ResolvePrice implements POST /api/tokens.
func (h *Handler) ResolvePrice(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "request body must be valid JSON")
		return
	}

	token, ok := normalizeToken(req.Token)
	if !ok {
		writeValidationError(w, "token must be a 0x-prefixed 40-hex address")
		return
	}
	if !h.cfg.SupportsNetwork(req.Network) {
		writeValidationError(w, "unsupported network: "+req.Network)
		return
	}

	var timestamp *time.Time
	if req.Timestamp != nil && *req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, *req.Timestamp)
		if err != nil {
			writeValidationError(w, "timestamp must be an ISO-8601 / RFC3339 string")
			return
		}
		ts = ts.UTC()
		timestamp = &ts
	}

	reply, err := h.pipeline.Resolve(r.Context(), token, req.Network, timestamp)
	if err != nil {
		h.log.Error().Err(err).Str("token", token).Str("network", req.Network).Msg("resolve failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   apiError{Type: "store_error", Message: "price lookup failed"},
		})
		return
	}

	status := http.StatusOK
	if reply.Queued {
		status = http.StatusAccepted
	}
	resp := map[string]interface{}{"success": reply.Success}
	if reply.Message != "" {
		resp["message"] = reply.Message
	}
	if reply.Data != nil {
		resp["data"] = reply.Data
	}
	if reply.Queued {
		resp["queued"] = true
	}
	writeJSON(w, status, resp)
}

type batchHistoricalRequest struct {
	Token     string `json:"token"`
	Network   string `json:"network"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// BatchHistorical implements POST /api/batch/historical.
func (h *Handler) BatchHistorical(w http.ResponseWriter, r *http.Request) {
	var req batchHistoricalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "request body must be valid JSON")
		return
	}

	token, ok := normalizeToken(req.Token)
	if !ok {
		writeValidationError(w, "token must be a 0x-prefixed 40-hex address")
		return
	}
	if !h.cfg.SupportsNetwork(req.Network) {
		writeValidationError(w, "unsupported network: "+req.Network)
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		writeValidationError(w, "startDate must be an ISO-8601 / RFC3339 string")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndDate)
	if err != nil {
		writeValidationError(w, "endDate must be an ISO-8601 / RFC3339 string")
		return
	}
	if end.Before(start) {
		writeValidationError(w, "endDate must not be before startDate")
		return
	}

	jobID := uuid.New().String()
	_, err = h.queue.EnqueueBatchHistorical(r.Context(), queue.BatchHistoricalPayload{
		Token:     token,
		Network:   req.Network,
		StartDate: start.UTC(),
		EndDate:   end.UTC(),
		RequestID: jobID,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("batch historical enqueue failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   apiError{Type: "store_error", Message: "failed to enqueue batch job"},
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"jobId":   jobID,
	})
}

// QueueStatus implements GET /api/queue/status.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	priceCounts, err := h.inspect.Status(queue.QueuePriceProcessing)
	if err != nil {
		h.log.Warn().Err(err).Msg("queue status: price-processing unavailable")
	}
	batchCounts, err := h.inspect.Status(queue.QueueBatchProcessing)
	if err != nil {
		h.log.Warn().Err(err).Msg("queue status: batch-processing unavailable")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"priceQueue": priceCounts,
		"batchQueue": batchCounts,
	})
}

// Health implements GET /health: aggregates connectivity across the
// Durable Store, Cache's Redis backing, Job Queue's Redis broker, and
// reports healthy unless a dependency is demonstrably unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	services := map[string]string{}
	allOK := true

	if err := h.store.Ping(ctx); err != nil {
		services["mongodb"] = "down"
		allOK = false
	} else {
		services["mongodb"] = "up"
	}

	if err := h.redis.Ping(); err != nil {
		services["redis"] = "down"
		allOK = false
	} else {
		services["redis"] = "up"
	}

	// The Job Queue shares the redis broker; its own liveness is
	// reported via queue status being reachable.
	if _, err := h.inspect.Status(queue.QueuePriceProcessing); err != nil {
		services["queues"] = "down"
		allOK = false
	} else {
		services["queues"] = "up"
	}

	// The Oracle Client's upstream reachability isn't probed on every
	// health check — that would burn rate-limit budget on a liveness
	// path. It's reported healthy whenever the process is up.
	services["alchemy"] = "up"

	status := "healthy"
	code := http.StatusOK
	if !allOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}
