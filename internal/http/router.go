package httpx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"encoding/json"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lilking2007/pi-platform/internal/domain"
	"github.com/lilking2007/pi-platform/internal/service/auth"
	"github.com/lilking2007/pi-platform/internal/service/deployment"
	"github.com/lilking2007/pi-platform/internal/service/site"
	"github.com/lilking2007/pi-platform/internal/ws"
	"github.com/lilking2007/pi-platform/pkg/config"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	sites    site.Service
	deploy   *deployment.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	cfg      config.AdminConfig
	dbHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitToken     = 12
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatEvery  = 15 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, siteSvc site.Service, deploySvc *deployment.Service, hub *ws.Hub, limiter RateLimiter, cfg config.AdminConfig, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		auth:   authSvc,
		sites:  siteSvc,
		deploy: deploySvc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		cfg:      cfg,
		dbHealth: dbHealth,
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
	r.mux.HandleFunc("/healthz", r.audit("healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/token", r.audit("token", r.withRateLimit("token", rateLimitToken, rateWindowDefault, rateLimitKeyIP, r.handleToken)))
	r.mux.HandleFunc("/users", r.audit("users", r.withRateLimit("users", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleUsers)))
	r.mux.HandleFunc("/users/me", r.audit("users_me", r.handlerAuthRate("users_me", rateLimitUserRead, rateWindowDefault, r.handleUsersMe)))
	r.mux.HandleFunc("/sites", r.audit("sites", r.handlerAuthRate("sites", rateLimitUserWrite, rateWindowDefault, r.handleSitesCollection)))
	r.mux.HandleFunc("/sites/", r.audit("sites", r.handlerAuthRate("sites", rateLimitUserWrite, rateWindowDefault, r.handleSiteRoutes)))
	r.mux.HandleFunc("/ws/status", r.audit("ws_status", r.handlerAuthRate("ws_status", rateLimitWebsocket, rateWindowRealtime, r.handleStatusWS)))
}

// siteView is the JSON snapshot the dashboard polls.
type siteView struct {
	Slug           string    `json:"slug"`
	DisplayName    string    `json:"display_name,omitempty"`
	Domain         string    `json:"domain,omitempty"`
	Visibility     string    `json:"visibility"`
	Status         string    `json:"status"`
	CurrentVersion *int64    `json:"current_version,omitempty"`
	ErrorReason    string    `json:"error_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toSiteView(s domain.Site) siteView {
	return siteView{
		Slug:           s.Slug,
		DisplayName:    s.DisplayName,
		Domain:         s.Domain,
		Visibility:     s.Visibility,
		Status:         string(s.Status),
		CurrentVersion: s.CurrentVersion,
		ErrorReason:    s.ErrorReason,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// jobView is the JSON shape of one deployment attempt.
type jobView struct {
	ID              string     `json:"id"`
	SiteSlug        string     `json:"site_slug"`
	Status          string     `json:"status"`
	ArchiveChecksum string     `json:"archive_checksum,omitempty"`
	ErrorReason     string     `json:"error_reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

func toJobView(j domain.DeploymentJob) jobView {
	return jobView{
		ID:              j.ID,
		SiteSlug:        j.SiteSlug,
		Status:          string(j.Status),
		ArchiveChecksum: j.ArchiveChecksum,
		ErrorReason:     j.ErrorReason,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
	}
}

func (r *Router) handleToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := req.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	username := req.PostFormValue("username")
	password := req.PostFormValue("password")
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	_, token, err := r.auth.Login(req.Context(), username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (r *Router) handleUsers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := r.auth.Signup(req.Context(), payload.Username, payload.Email, payload.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
	})
}

func (r *Router) handleUsersMe(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for users/me", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	user, err := r.auth.User(req.Context(), info.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"email":    user.Email,
		"role":     user.Role,
	})
}

func (r *Router) handleSitesCollection(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		sites, err := r.sites.List(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]siteView, 0, len(sites))
		for _, s := range sites {
			views = append(views, toSiteView(s))
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		info, ok := authInfoFromContext(req.Context())
		if !ok {
			r.logger.Error("auth context missing for site creation", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "authorization context missing")
			return
		}
		var payload site.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.sites.Create(req.Context(), info.UserID, payload)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSiteView(*created))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleSiteRoutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/sites/")
	if trimmed == "" {
		r.handleSitesCollection(w, req)
		return
	}
	parts := strings.Split(trimmed, "/")
	slug := parts[0]
	switch {
	case len(parts) == 1:
		r.handleSiteItem(w, req, slug)
	case len(parts) == 2 && parts[1] == "upload":
		r.handleUpload(w, req, slug)
	case len(parts) == 2 && parts[1] == "deployments":
		r.handleDeployments(w, req, slug)
	case len(parts) == 2 && parts[1] == "events":
		r.handleEvents(w, req, slug)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleSiteItem(w http.ResponseWriter, req *http.Request, slug string) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for site item", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	switch req.Method {
	case http.MethodGet:
		found, err := r.sites.Get(req.Context(), slug)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSiteView(*found))
	case http.MethodPatch:
		var payload site.UpdateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		user := &domain.User{ID: info.UserID, Role: info.Role}
		updated, err := r.sites.Update(req.Context(), user, slug, payload)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSiteView(*updated))
	case http.MethodDelete:
		user := &domain.User{ID: info.UserID, Role: info.Role}
		if err := r.sites.Delete(req.Context(), user, slug); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

// handleUpload accepts a multipart content archive, spools it to disk, and
// hands it to the deployment executor. The response is 202: the deployment
// itself proceeds asynchronously and the client polls site status.
func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request, slug string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for upload", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	found, err := r.sites.Get(req.Context(), slug)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !info.canManage(*found) {
		writeError(w, http.StatusForbidden, "not authorized to deploy this site")
		return
	}

	// Reject oversized bodies before buffering the whole upload.
	req.Body = http.MaxBytesReader(w, req.Body, r.cfg.MaxArchiveBytes+(1<<20))
	file, header, err := req.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart file field required")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(r.cfg.UploadSpoolDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "upload spool unavailable")
		return
	}
	spool, err := os.CreateTemp(r.cfg.UploadSpoolDir, slug+"-*.zip")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "upload spool unavailable")
		return
	}
	if _, err := io.Copy(spool, file); err != nil {
		spool.Close()
		_ = os.Remove(spool.Name())
		writeError(w, http.StatusBadRequest, "upload interrupted")
		return
	}
	if err := spool.Close(); err != nil {
		_ = os.Remove(spool.Name())
		writeError(w, http.StatusInternalServerError, "upload spool unavailable")
		return
	}

	job, err := r.deploy.Submit(req.Context(), slug, spool.Name(), header.Size)
	if err != nil {
		_ = os.Remove(spool.Name())
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobView(*job))
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request, slug string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	jobs, err := r.deploy.ListBySite(req.Context(), slug, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleEvents streams deployment status events for one site over SSE.
func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request, slug string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(slug, client)
	defer func() {
		r.hub.Unregister(slug, client)
		client.Close()
	}()

	ticker := time.NewTicker(sseHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleStatusWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for status websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	slug := req.URL.Query().Get("slug")
	if slug == "" {
		writeError(w, http.StatusBadRequest, "slug query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(slug, client)
	go func() {
		defer func() {
			r.hub.Unregister(slug, client)
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
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
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
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

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
