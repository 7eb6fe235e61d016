package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bencrane/sfdc-engine-x-api/internal/events"
	"github.com/bencrane/sfdc-engine-x-api/internal/platform"
	"github.com/bencrane/sfdc-engine-x-api/internal/repository"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/conflict"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/deploy"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/mapping"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/metadata"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/push"
	"github.com/bencrane/sfdc-engine-x-api/internal/service/snapshot"
)

// Router wires HTTP endpoints to engine services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	conflicts conflict.Service
	deploy    deploy.Service
	push      push.Service
	mappings  mapping.Service
	snapshots snapshot.Service
	hub       *events.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	metricsOnce          sync.Once
	metricsInitialized   bool
	requestTotal         *prometheus.CounterVec
	requestLatency       *prometheus.HistogramVec
	rateLimitHits        *prometheus.CounterVec
	deploymentsTotal     *prometheus.CounterVec
	pushRecordsTotal     *prometheus.CounterVec
	conflictReportsTotal *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitWrite     = 60
	rateLimitRead      = 240
	rateLimitDeploy    = 20
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	conflictSvc conflict.Service,
	deploySvc deploy.Service,
	pushSvc push.Service,
	mappingSvc mapping.Service,
	snapshotSvc snapshot.Service,
	hub *events.Hub,
	limiter RateLimiter,
	jwtSecret string,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		conflicts: conflictSvc,
		deploy:    deploySvc,
		push:      pushSvc,
		mappings:  mappingSvc,
		snapshots: snapshotSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: jwtSecret,
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/api/conflicts/check", r.audit("/api/conflicts/check", r.handlerAuthRate("/api/conflicts/check", rateLimitWrite, rateWindowDefault, r.handleConflictCheck)))
	r.mux.HandleFunc("/api/conflicts/", r.audit("/api/conflicts/{id}", r.handlerAuthRate("/api/conflicts/{id}", rateLimitRead, rateWindowDefault, r.handleConflictGet)))
	r.mux.HandleFunc("/api/deployments", r.audit("/api/deployments", r.handlerAuthRate("/api/deployments", rateLimitDeploy, rateWindowDefault, r.handleDeployments)))
	r.mux.HandleFunc("/api/deployments/", r.audit("/api/deployments/{id}", r.handlerAuthRate("/api/deployments/{id}", rateLimitRead, rateWindowDefault, r.handleDeploymentSubroutes)))
	r.mux.HandleFunc("/api/push", r.audit("/api/push", r.handlerAuthRate("/api/push", rateLimitWrite, rateWindowDefault, r.handlePush)))
	r.mux.HandleFunc("/api/push/", r.audit("/api/push/{id}", r.handlerAuthRate("/api/push/{id}", rateLimitRead, rateWindowDefault, r.handlePushGet)))
	r.mux.HandleFunc("/api/mappings", r.audit("/api/mappings", r.handlerAuthRate("/api/mappings", rateLimitWrite, rateWindowDefault, r.handleMappings)))
	r.mux.HandleFunc("/api/snapshots/pull", r.audit("/api/snapshots/pull", r.handlerAuthRate("/api/snapshots/pull", rateLimitDeploy, rateWindowDefault, r.handleSnapshotPull)))
	r.mux.HandleFunc("/api/snapshots", r.audit("/api/snapshots", r.handlerAuthRate("/api/snapshots", rateLimitRead, rateWindowDefault, r.handleSnapshotList)))
	r.mux.HandleFunc("/api/snapshots/latest", r.audit("/api/snapshots/latest", r.handlerAuthRate("/api/snapshots/latest", rateLimitRead, rateWindowDefault, r.handleSnapshotLatest)))
	r.mux.HandleFunc("/ws/events", r.audit("/ws/events", r.handlerAuthRate("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleConflictCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		ClientID        string          `json:"client_id"`
		Plan            json.RawMessage `json:"plan"`
		SnapshotVersion *int            `json:"snapshot_version"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ClientID == "" || len(payload.Plan) == 0 {
		writeError(w, http.StatusBadRequest, "client_id and plan are required")
		return
	}
	report, err := r.conflicts.Check(req.Context(), info.OrgID, payload.ClientID, payload.Plan, payload.SnapshotVersion)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.recordConflictReport(report.OverallSeverity)
	writeJSON(w, http.StatusCreated, report)
}

func (r *Router) handleConflictGet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/api/conflicts/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	report, err := r.conflicts.Get(req.Context(), info.OrgID, id)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			ClientID         string          `json:"client_id"`
			Plan             json.RawMessage `json:"plan"`
			ConflictReportID *string         `json:"conflict_report_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.ClientID == "" || len(payload.Plan) == 0 {
			writeError(w, http.StatusBadRequest, "client_id and plan are required")
			return
		}
		deployment, err := r.deploy.Execute(req.Context(), info.OrgID, deploy.ExecuteInput{
			ClientID:         payload.ClientID,
			ConflictReportID: payload.ConflictReportID,
			Plan:             payload.Plan,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		r.recordDeployment(deployment.Status)
		writeJSON(w, http.StatusCreated, deployment)
	case http.MethodGet:
		clientID := req.URL.Query().Get("client_id")
		if clientID == "" {
			writeError(w, http.StatusBadRequest, "client_id query parameter required")
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		deployments, err := r.deploy.List(req.Context(), info.OrgID, clientID, limit)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployments)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/api/deployments/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		r.notFound(w)
		return
	}
	deploymentID := parts[0]
	switch {
	case len(parts) == 1:
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.deploy.Get(req.Context(), info.OrgID, deploymentID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, deployment)
	case len(parts) == 2 && parts[1] == "rollback":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		deployment, err := r.deploy.Rollback(req.Context(), info.OrgID, deploymentID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		r.recordDeployment(deployment.Status)
		writeJSON(w, http.StatusOK, deployment)
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePush(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			ClientID        string           `json:"client_id"`
			ObjectType      string           `json:"object_type"`
			CanonicalObject string           `json:"canonical_object"`
			ExternalIDField string           `json:"external_id_field"`
			Records         []map[string]any `json:"records"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if payload.ClientID == "" {
			writeError(w, http.StatusBadRequest, "client_id is required")
			return
		}
		log, err := r.push.Execute(req.Context(), info.OrgID, push.Input{
			ClientID:        payload.ClientID,
			ObjectType:      payload.ObjectType,
			CanonicalObject: payload.CanonicalObject,
			ExternalIDField: payload.ExternalIDField,
			Records:         payload.Records,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		r.recordPushOutcome(log.RecordsSucceeded, log.RecordsFailed)
		writeJSON(w, http.StatusCreated, log)
	case http.MethodGet:
		clientID := req.URL.Query().Get("client_id")
		if clientID == "" {
			writeError(w, http.StatusBadRequest, "client_id query parameter required")
			return
		}
		limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
		logs, err := r.push.List(req.Context(), info.OrgID, clientID, limit)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePushGet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/api/push/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	log, err := r.push.Get(req.Context(), info.OrgID, id)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, log)
}

func (r *Router) handleMappings(w http.ResponseWriter, req *http.Request) {
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	switch req.Method {
	case http.MethodPut:
		var payload mapping.SetInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		saved, err := r.mappings.Set(req.Context(), info.OrgID, payload)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodGet:
		clientID := req.URL.Query().Get("client_id")
		if clientID == "" {
			writeError(w, http.StatusBadRequest, "client_id query parameter required")
			return
		}
		if canonical := req.URL.Query().Get("canonical_object"); canonical != "" {
			found, err := r.mappings.Get(req.Context(), info.OrgID, clientID, canonical)
			if err != nil {
				r.writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, found)
			return
		}
		mappings, err := r.mappings.List(req.Context(), info.OrgID, clientID)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mappings)
	case http.MethodDelete:
		clientID := req.URL.Query().Get("client_id")
		canonical := req.URL.Query().Get("canonical_object")
		if clientID == "" || canonical == "" {
			writeError(w, http.StatusBadRequest, "client_id and canonical_object query parameters required")
			return
		}
		if err := r.mappings.Deactivate(req.Context(), info.OrgID, clientID, canonical); err != nil {
			r.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSnapshotPull(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	var payload struct {
		ClientID string `json:"client_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	snapshot, err := r.snapshots.Pull(req.Context(), info.OrgID, payload.ClientID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":          snapshot.ID,
		"client_id":   snapshot.ClientID,
		"version":     snapshot.Version,
		"api_version": snapshot.APIVersion,
		"objects":     len(snapshot.Objects),
		"captured_at": snapshot.CapturedAt,
	})
}

func (r *Router) handleSnapshotList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	snapshots, err := r.snapshots.List(req.Context(), info.OrgID, clientID, limit)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshots)
}

func (r *Router) handleSnapshotLatest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := r.mustAuthInfo(w, req)
	if !ok {
		return
	}
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}
	snapshot, err := r.snapshots.Latest(req.Context(), info.OrgID, clientID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := r.mustAuthInfo(w, req); !ok {
		return
	}
	clientID := req.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "client_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := events.NewWSClient(conn, r.logger)
	r.hub.Register(clientID, client)
	go func() {
		defer func() {
			r.hub.Unregister(clientID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps engine error categories to HTTP statuses. Platform
// errors keep their original code and message in the response body.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var platformErr *platform.Error
	switch {
	case errors.Is(err, metadata.ErrInvalidPlan), errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, conflict.ErrNoSnapshot):
		writeCodedError(w, http.StatusConflict, "no_snapshot", err.Error())
	case errors.Is(err, push.ErrMappingNotFound):
		writeCodedError(w, http.StatusConflict, "mapping_not_found", err.Error())
	case errors.Is(err, deploy.ErrInvalidState):
		writeCodedError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.As(err, &platformErr):
		status := platformErr.HTTPStatus
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		writeCodedError(w, status, platformErr.Code, platformErr.Message)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) mustAuthInfo(w http.ResponseWriter, req *http.Request) (authInfo, bool) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return authInfo{}, false
	}
	return info, true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			fields = append(fields, "user_id", info.UserID, "org_id", info.OrgID)
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
