package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/localsave/internal/autosave"
	"github.com/agentworkforce/localsave/internal/faults"
	"github.com/agentworkforce/localsave/internal/lifecycle"
	"github.com/agentworkforce/localsave/internal/location"
	"github.com/agentworkforce/localsave/internal/telemetry"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamBuffer is how many status updates a stream subscriber may fall
	// behind before it is disconnected.
	StreamBuffer   int
	WriteTimeout   time.Duration
	OriginPatterns []string
	Diagnostics    *telemetry.Ring
	Logger         logrus.FieldLogger
}

type Server struct {
	svc         *autosave.Service
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      logrus.FieldLogger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc *autosave.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *autosave.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 32
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeDataRead
		route = "status"
	case len(parts) == 3 && parts[1] == "status" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeDataRead
		route = "status_stream"
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "connect" && r.Method == http.MethodPost:
		requiredScope = scopeSessionAdmin
		route = "connect"
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "reconnect" && r.Method == http.MethodPost:
		requiredScope = scopeSessionAdmin
		route = "reconnect"
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "disconnect" && r.Method == http.MethodPost:
		requiredScope = scopeSessionAdmin
		route = "disconnect"
	case len(parts) == 3 && parts[1] == "session" && parts[2] == "permission" && r.Method == http.MethodPost:
		requiredScope = scopeSessionAdmin
		route = "permission"
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodGet:
		requiredScope = scopeDataRead
		route = "get_settings"
	case len(parts) == 2 && parts[1] == "settings" && r.Method == http.MethodPut:
		requiredScope = scopeSessionAdmin
		route = "put_settings"
	case len(parts) == 2 && parts[1] == "data" && r.Method == http.MethodGet:
		requiredScope = scopeDataRead
		route = "read_data"
	case len(parts) == 2 && parts[1] == "data" && r.Method == http.MethodPut:
		requiredScope = scopeDataWrite
		route = "save"
	case len(parts) == 3 && parts[1] == "data" && parts[2] == "flush" && r.Method == http.MethodPost:
		requiredScope = scopeDataWrite
		route = "flush"
	case len(parts) == 3 && parts[1] == "data" && parts[2] == "replace" && r.Method == http.MethodPut:
		requiredScope = scopeDataWrite
		route = "replace"
	case len(parts) == 2 && parts[1] == "files" && r.Method == http.MethodGet:
		requiredScope = scopeDataRead
		route = "list_files"
	case len(parts) == 3 && parts[1] == "files" && r.Method == http.MethodGet:
		requiredScope = scopeDataRead
		route = "read_file"
	case len(parts) == 2 && parts[1] == "backups" && r.Method == http.MethodGet:
		requiredScope = scopeDataRead
		route = "backups"
	case len(parts) == 2 && parts[1] == "diagnostics" && r.Method == http.MethodGet:
		requiredScope = scopeSessionAdmin
		route = "diagnostics"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "status_stream" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	log := s.logger.WithFields(logrus.Fields{
		"route":         route,
		"subject":       claims.Subject,
		"correlationId": correlationID,
	})
	switch route {
	case "status":
		writeJSON(w, http.StatusOK, s.svc.Status())
	case "status_stream":
		s.handleStatusStream(w, r, log)
	case "connect":
		s.handleConnect(w, r, log, correlationID)
	case "reconnect":
		connected, err := s.svc.ConnectToExisting(r.Context())
		s.writeSessionResult(w, log, correlationID, connected, err)
	case "disconnect":
		s.handleDisconnect(w, r, log, correlationID)
	case "permission":
		granted, err := s.svc.EnsurePermission(r.Context())
		s.writeSessionResult(w, log, correlationID, granted, err)
	case "get_settings":
		writeJSON(w, http.StatusOK, settingsToPayload(s.svc.Settings()))
	case "put_settings":
		s.handlePutSettings(w, r, log, correlationID)
	case "read_data":
		s.handleReadData(w, log, correlationID)
	case "save":
		s.handleSave(w, r, log, correlationID)
	case "flush":
		s.handleFlush(w, r, log, correlationID)
	case "replace":
		s.handleReplace(w, r, log, correlationID)
	case "list_files":
		s.handleListFiles(w, log, correlationID)
	case "read_file":
		s.handleReadFile(w, log, parts[2], correlationID)
	case "backups":
		s.handleBackups(w, r, log, correlationID)
	case "diagnostics":
		s.handleDiagnostics(w)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type connectRequest struct {
	Path string `json:"path"`
}

type sessionResponse struct {
	OK     bool             `json:"ok"`
	Status lifecycle.Status `json:"status"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, correlationID string) {
	var req connectRequest
	if !s.decodeOptionalJSONBody(w, r, correlationID, &req) {
		return
	}
	var (
		connected bool
		err       error
	)
	if path := strings.TrimSpace(req.Path); path != "" {
		connected, err = s.svc.ConnectTo(r.Context(), path)
	} else {
		connected, err = s.svc.Connect(r.Context())
	}
	s.writeSessionResult(w, log, correlationID, connected, err)
}

type disconnectRequest struct {
	Purge bool `json:"purge"`
}

type disconnectResponse struct {
	Discarded int              `json:"discarded"`
	Purged    bool             `json:"purged"`
	Status    lifecycle.Status `json:"status"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, correlationID string) {
	var req disconnectRequest
	if !s.decodeOptionalJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Purge {
		pending := s.svc.Status().PendingWrites
		if err := s.svc.Purge(r.Context()); err != nil {
			s.writeServiceError(w, log, correlationID, err)
			return
		}
		writeJSON(w, http.StatusOK, disconnectResponse{Discarded: pending, Purged: true, Status: s.svc.Status()})
		return
	}
	discarded := s.svc.Disconnect()
	writeJSON(w, http.StatusOK, disconnectResponse{Discarded: discarded, Status: s.svc.Status()})
}

func (s *Server) writeSessionResult(w http.ResponseWriter, log logrus.FieldLogger, correlationID string, ok bool, err error) {
	if err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{OK: ok, Status: s.svc.Status()})
}

type settingsPayload struct {
	FileName                string `json:"fileName"`
	Enabled                 bool   `json:"enabled"`
	SaveInterval            string `json:"saveInterval"`
	Debounce                string `json:"debounce"`
	MaxRetries              uint   `json:"maxRetries"`
	RetryBaseDelay          string `json:"retryBaseDelay"`
	RetryMaxExponent        uint   `json:"retryMaxExponent"`
	PermissionCheckInterval string `json:"permissionCheckInterval"`
	SkipUnchanged           bool   `json:"skipUnchanged"`
}

func settingsToPayload(st lifecycle.Settings) settingsPayload {
	return settingsPayload{
		FileName:                st.FileName,
		Enabled:                 st.Enabled,
		SaveInterval:            st.SaveInterval.String(),
		Debounce:                st.DebounceDelay.String(),
		MaxRetries:              st.MaxRetries,
		RetryBaseDelay:          st.RetryBaseDelay.String(),
		RetryMaxExponent:        st.RetryMaxExponent,
		PermissionCheckInterval: st.PermissionCheckInterval.String(),
		SkipUnchanged:           st.SkipUnchanged,
	}
}

func (p settingsPayload) settings() (lifecycle.Settings, error) {
	var err error
	st := lifecycle.Settings{
		FileName:         p.FileName,
		Enabled:          p.Enabled,
		MaxRetries:       p.MaxRetries,
		RetryMaxExponent: p.RetryMaxExponent,
		SkipUnchanged:    p.SkipUnchanged,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"saveInterval", p.SaveInterval, &st.SaveInterval},
		{"debounce", p.Debounce, &st.DebounceDelay},
		{"retryBaseDelay", p.RetryBaseDelay, &st.RetryBaseDelay},
		{"permissionCheckInterval", p.PermissionCheckInterval, &st.PermissionCheckInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		*d.dst, err = time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return st, faults.New(faults.KindInvalidInput, "settings", "", fmt.Errorf("%s: %w", d.name, err))
		}
	}
	return st, nil
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, correlationID string) {
	// Start from the current settings so a partial body only changes the
	// fields it names.
	payload := settingsToPayload(s.svc.Settings())
	if !s.decodeJSONBody(w, r, correlationID, &payload) {
		return
	}
	next, err := payload.settings()
	if err == nil {
		err = s.svc.Reconfigure(next)
	}
	if err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsToPayload(s.svc.Settings()))
}

func (s *Server) handleReadData(w http.ResponseWriter, log logrus.FieldLogger, correlationID string) {
	data, err := s.svc.LoadExistingData()
	if err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeRaw(w, data)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.svc.Save(body); err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.svc.Status())
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(body) == 0 {
		body = nil
	}
	if err := s.svc.SaveNow(r.Context(), body); err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.svc.ImportReplace(r.Context(), body); err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleListFiles(w http.ResponseWriter, log logrus.FieldLogger, correlationID string) {
	files, err := s.svc.ListDataFiles()
	if err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	if files == nil {
		files = []location.FileInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleReadFile(w http.ResponseWriter, log logrus.FieldLogger, name, correlationID string) {
	data, err := s.svc.ReadNamedFile(name)
	if err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	writeRaw(w, data)
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger, correlationID string) {
	records, err := s.svc.ListBackups(strings.TrimSpace(r.URL.Query().Get("name")))
	if err != nil {
		s.writeServiceError(w, log, correlationID, err)
		return
	}
	if records == nil {
		records = []location.BackupRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": records})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter) {
	events := []telemetry.Event{}
	if s.cfg.Diagnostics != nil {
		events = append(events, s.cfg.Diagnostics.Events()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":   s.svc.Path(),
		"status": s.svc.Status(),
		"events": events,
	})
}

// handleStatusStream sends the current status and then every transition
// until the client goes away. A client that falls more than StreamBuffer
// updates behind is closed with a policy violation.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request, log logrus.FieldLogger) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		log.WithError(err).Warn("status stream handshake failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "status stream closed")

	ctx := conn.CloseRead(r.Context())
	updates := make(chan lifecycle.Status, s.cfg.StreamBuffer)
	lagged := make(chan struct{})
	var lagOnce sync.Once
	unsubscribe := s.svc.Subscribe(func(status lifecycle.Status) {
		select {
		case updates <- status:
		default:
			lagOnce.Do(func() { close(lagged) })
		}
	})
	defer unsubscribe()

	if err := s.writeStatus(ctx, conn, s.svc.Status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-lagged:
			log.Warn("status stream subscriber fell behind")
			_ = conn.Close(websocket.StatusPolicyViolation, "status stream fell behind")
			return
		case status := <-updates:
			if err := s.writeStatus(ctx, conn, status); err != nil {
				log.WithError(err).Debug("status stream write failed")
				return
			}
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn, status lifecycle.Status) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, status)
}

func (s *Server) writeServiceError(w http.ResponseWriter, log logrus.FieldLogger, correlationID string, err error) {
	status, code := classifyError(err)
	entry := log.WithError(err).WithField("code", code)
	if status >= http.StatusInternalServerError {
		entry.Warn("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func classifyError(err error) (int, string) {
	if errors.Is(err, faults.ErrNotFound) {
		return http.StatusNotFound, "not_found"
	}
	switch faults.KindOf(err) {
	case faults.KindInvalidInput:
		return http.StatusBadRequest, "bad_request"
	case faults.KindNotConnected:
		return http.StatusConflict, "not_connected"
	case faults.KindPermissionDenied:
		return http.StatusForbidden, "permission_denied"
	case faults.KindPromptDismissed:
		return http.StatusConflict, "prompt_dismissed"
	case faults.KindCancelled:
		return http.StatusConflict, "cancelled"
	case faults.KindStoreUnavailable:
		return http.StatusServiceUnavailable, "store_unavailable"
	case faults.KindTransientIO:
		return http.StatusServiceUnavailable, "transient_io"
	case faults.KindPermanentIO:
		return http.StatusInternalServerError, "io_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

// decodeOptionalJSONBody accepts an empty body and leaves dst untouched.
func (s *Server) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
