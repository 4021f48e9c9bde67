package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/alerts"
	"github.com/lalithlochan/freshtrack/internal/gaps"
	"github.com/lalithlochan/freshtrack/internal/jobs"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// AlertActions applies actor transitions. *alerts.Evaluator implements it.
type AlertActions interface {
	Acknowledge(ctx context.Context, req alerts.ActionRequest) (*alerts.Alert, error)
	Resolve(ctx context.Context, req alerts.ResolveRequest) (*alerts.Alert, error)
}

// JobQueue is the producer view of the queue. *queue.Service implements it.
type JobQueue interface {
	AddJob(ctx context.Context, q queue.QueueName, name queue.JobName, data queue.JobData, opts ...queue.JobOption) (queue.AddResult, error)
	ListFailed(ctx context.Context, q queue.QueueName, offset, limit int64) ([]*queue.Job, error)
	RetryFailed(ctx context.Context, q queue.QueueName, id string) error
}

// GapLister reads recorded monitoring gaps. *gaps.Detector implements it.
type GapLister interface {
	List(ctx context.Context, q gaps.Query) ([]gaps.Gap, error)
}

// HealthReporter is satisfied by *queue.Monitor.
type HealthReporter interface {
	Snapshot(ctx context.Context) queue.Health
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// AcknowledgeRequest is the body of POST /v1/alerts/{id}/acknowledge.
type AcknowledgeRequest struct {
	Notes *string `json:"notes,omitempty"`
}

// ResolveRequest is the body of POST /v1/alerts/{id}/resolve.
type ResolveRequest struct {
	Resolution string  `json:"resolution"`
	Notes      *string `json:"notes,omitempty"`
}

// ReadingRequest is a normalized sensor reading submitted for evaluation.
type ReadingRequest struct {
	SiteID       uuid.UUID  `json:"siteId"`
	UnitID       uuid.UUID  `json:"unitId"`
	Temperature  *float64   `json:"temperature,omitempty"`
	BatteryLevel *float64   `json:"batteryLevel,omitempty"`
	RecordedAt   *time.Time `json:"recordedAt,omitempty"`
}

// UnitEventRequest is a raw unit state-change event.
type UnitEventRequest struct {
	EventID    uuid.UUID      `json:"eventId"`
	UnitID     uuid.UUID      `json:"unitId"`
	EventType  string         `json:"eventType"`
	EventData  gaps.EventData `json:"eventData"`
	RecordedAt *time.Time     `json:"recordedAt,omitempty"`
}

// EnqueueResponse is returned by the intake routes.
type EnqueueResponse struct {
	JobID     string `json:"jobId,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// HandlerDeps wires a Handler. Nil dependencies disable their routes with 503.
type HandlerDeps struct {
	Alerts  AlertActions
	Queue   JobQueue
	Gaps    GapLister
	Monitor HealthReporter
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   HandlerDeps
	now    func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps HandlerDeps) *Handler {
	return &Handler{logger: logger, deps: deps, now: time.Now}
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	p, alertID, ok := h.alertTarget(w, r)
	if !ok {
		return
	}

	var req AcknowledgeRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	alert, err := h.deps.Alerts.Acknowledge(r.Context(), alerts.ActionRequest{
		OrganizationID: p.OrganizationID,
		AlertID:        alertID,
		ActorID:        p.ActorID,
		Notes:          req.Notes,
	})
	if err != nil {
		h.writeAlertError(w, err, alertID)
		return
	}

	h.logger.Info("alert acknowledged",
		zap.String("alert_id", alertID.String()),
		zap.String("organization_id", p.OrganizationID.String()),
		zap.String("actor_id", p.ActorID.String()),
	)
	writeJSON(w, http.StatusOK, alert)
}

// ResolveAlert handles POST /v1/alerts/{id}/resolve
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	p, alertID, ok := h.alertTarget(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	alert, err := h.deps.Alerts.Resolve(r.Context(), alerts.ResolveRequest{
		ActionRequest: alerts.ActionRequest{
			OrganizationID: p.OrganizationID,
			AlertID:        alertID,
			ActorID:        p.ActorID,
			Notes:          req.Notes,
		},
		Resolution: req.Resolution,
	})
	if err != nil {
		h.writeAlertError(w, err, alertID)
		return
	}

	h.logger.Info("alert resolved",
		zap.String("alert_id", alertID.String()),
		zap.String("organization_id", p.OrganizationID.String()),
		zap.String("actor_id", p.ActorID.String()),
	)
	writeJSON(w, http.StatusOK, alert)
}

// SubmitReading handles POST /v1/readings. The Idempotency-Key header, when
// present, becomes part of the job id so a retried submission is absorbed
// by the queue.
func (h *Handler) SubmitReading(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if h.deps.Queue == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "Queue not configured", "")
		return
	}

	var req ReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.UnitID == uuid.Nil || req.SiteID == uuid.Nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "siteId and unitId are required")
		return
	}
	if req.Temperature == nil && req.BatteryLevel == nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Empty reading", "temperature or batteryLevel is required")
		return
	}

	job := jobs.ReadingJob{
		BaseJobData:  queue.BaseJobData{OrganizationID: p.OrganizationID},
		SiteID:       req.SiteID,
		UnitID:       req.UnitID,
		Temperature:  req.Temperature,
		BatteryLevel: req.BatteryLevel,
		RecordedAt:   h.now().UTC(),
	}
	if req.RecordedAt != nil {
		job.RecordedAt = req.RecordedAt.UTC()
	}

	var opts []queue.JobOption
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		opts = append(opts, queue.WithJobID("reading:"+p.OrganizationID.String()+":"+key))
	}

	h.enqueue(w, r, jobs.QueueSensorReadings, queue.JobName(jobs.ReadingEvaluate), job, opts...)
}

// SubmitUnitEvent handles POST /v1/unit-events. The event id doubles as the
// job id.
func (h *Handler) SubmitUnitEvent(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if h.deps.Queue == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "Queue not configured", "")
		return
	}

	var req UnitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.EventID == uuid.Nil || req.UnitID == uuid.Nil || req.EventType == "" {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "eventId, unitId and eventType are required")
		return
	}

	job := jobs.UnitEventJob{
		BaseJobData: queue.BaseJobData{OrganizationID: p.OrganizationID},
		EventID:     req.EventID,
		UnitID:      req.UnitID,
		EventType:   req.EventType,
		EventData:   req.EventData,
		RecordedAt:  h.now().UTC(),
	}
	if req.RecordedAt != nil {
		job.RecordedAt = req.RecordedAt.UTC()
	}

	h.enqueue(w, r, jobs.QueueMonitoringGaps, queue.JobName(jobs.GapKindFor(req.EventType)), job,
		queue.WithJobID("unit-event:"+req.EventID.String()))
}

// ListGaps handles GET /v1/gaps?unit_id=&from=&to=&limit=
func (h *Handler) ListGaps(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}
	if h.deps.Gaps == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "Gap reporting not configured", "")
		return
	}

	q := gaps.Query{OrganizationID: p.OrganizationID}
	params := r.URL.Query()

	if v := params.Get("unit_id"); v != "" {
		unitID, err := uuid.Parse(v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid unit_id", "unit_id must be a valid UUID")
			return
		}
		q.UnitID = &unitID
	}
	for _, tp := range []struct {
		name string
		dst  **time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		v := params.Get(tp.name)
		if v == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid "+tp.name, tp.name+" must be an RFC 3339 timestamp")
			return
		}
		*tp.dst = &ts
	}
	if v := params.Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			q.Limit = l
		}
	}

	list, err := h.deps.Gaps.List(r.Context(), q)
	if errors.Is(err, gaps.ErrInvalidEvent) {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid gap query", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to list monitoring gaps",
			zap.Error(err),
			zap.String("organization_id", p.OrganizationID.String()),
		)
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to list monitoring gaps", "")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  list,
		"count": len(list),
	})
}

// QueueHealth handles GET /v1/admin/queues
func (h *Handler) QueueHealth(w http.ResponseWriter, r *http.Request) {
	if h.deps.Monitor == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "Queue monitor not configured", "")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Monitor.Snapshot(r.Context()))
}

// ListFailedJobs handles GET /v1/admin/queues/{queue}/failed?limit=20&offset=0
func (h *Handler) ListFailedJobs(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "Queue not configured", "")
		return
	}
	name := queue.QueueName(chi.URLParam(r, "queue"))

	// Parse pagination parameters with defaults
	limit, offset := 20, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil && o >= 0 {
			offset = o
		}
	}

	failed, err := h.deps.Queue.ListFailed(r.Context(), name, int64(offset), int64(limit))
	if err != nil {
		h.writeQueueError(w, err, name)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":   failed,
		"limit":  limit,
		"offset": offset,
		"count":  len(failed),
	})
}

// RetryFailedJob handles POST /v1/admin/queues/{queue}/jobs/{id}/retry
func (h *Handler) RetryFailedJob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "Queue not configured", "")
		return
	}
	name := queue.QueueName(chi.URLParam(r, "queue"))
	id := chi.URLParam(r, "id")

	if err := h.deps.Queue.RetryFailed(r.Context(), name, id); err != nil {
		h.writeQueueError(w, err, name)
		return
	}

	p, _ := PrincipalFrom(r.Context())
	h.logger.Info("failed job retried",
		zap.String("queue", string(name)),
		zap.String("job_id", id),
		zap.String("actor_id", p.ActorID.String()),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"queue":  string(name),
		"status": "retried",
	})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, q queue.QueueName, name queue.JobName, data queue.JobData, opts ...queue.JobOption) {
	res, err := h.deps.Queue.AddJob(r.Context(), q, name, data, opts...)
	if err != nil {
		h.writeQueueError(w, err, q)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		w.Header().Set("X-Idempotency-Replayed", "true")
		status = http.StatusOK
	}
	writeJSON(w, status, EnqueueResponse{JobID: res.JobID, Disabled: res.Disabled, Duplicate: res.Duplicate})
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "unauthorized", "Missing or invalid token", "")
	}
	return p, ok
}

func (h *Handler) alertTarget(w http.ResponseWriter, r *http.Request) (Principal, uuid.UUID, bool) {
	p, ok := h.principal(w, r)
	if !ok {
		return p, uuid.Nil, false
	}
	if h.deps.Alerts == nil {
		writeProblem(w, http.StatusServiceUnavailable, "unavailable", "Alert actions not configured", "")
		return p, uuid.Nil, false
	}
	alertID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid alert ID", "ID must be a valid UUID")
		return p, uuid.Nil, false
	}
	return p, alertID, true
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func (h *Handler) writeAlertError(w http.ResponseWriter, err error, alertID uuid.UUID) {
	switch {
	case errors.Is(err, alerts.ErrInvalidRequest):
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid alert action", err.Error())
	case errors.Is(err, alerts.ErrAlertNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", "Alert not found", "")
	case errors.Is(err, alerts.ErrInvalidTransition):
		writeProblem(w, http.StatusConflict, "invalid_transition", "Alert cannot make this transition", err.Error())
	default:
		h.logger.Error("alert action failed", zap.Error(err), zap.String("alert_id", alertID.String()))
		writeProblem(w, http.StatusInternalServerError, "database_error", "Failed to update alert", "")
	}
}

func (h *Handler) writeQueueError(w http.ResponseWriter, err error, q queue.QueueName) {
	switch {
	case errors.Is(err, queue.ErrUnknownQueue):
		writeProblem(w, http.StatusNotFound, "not_found", "Unknown queue", string(q))
	case errors.Is(err, queue.ErrJobNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", "Failed job not found", "")
	case errors.Is(err, queue.ErrMissingOrganization), errors.Is(err, queue.ErrEmptyJobName):
		writeProblem(w, http.StatusBadRequest, "invalid_request", "Invalid job", err.Error())
	case errors.Is(err, queue.ErrQueueDisabled), errors.Is(err, queue.ErrStoreUnavailable):
		h.logger.Warn("queue store unavailable", zap.Error(err), zap.String("queue", string(q)))
		writeProblem(w, http.StatusServiceUnavailable, "queue_unavailable", "Queue store unavailable", "")
	default:
		h.logger.Error("queue operation failed", zap.Error(err), zap.String("queue", string(q)))
		writeProblem(w, http.StatusInternalServerError, "queue_error", "Queue operation failed", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
