package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"plumemail/internal/app"
	"plumemail/internal/mailer"
	"plumemail/internal/scheduler"
	"plumemail/internal/session"
	"plumemail/internal/store"
	"plumemail/internal/util"
	"plumemail/pkg/ai"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
}

// Server is the JSON surface over the pipeline operations. It holds no domain
// logic: sessions, rate budgets, and transitions are enforced underneath, and
// the server only translates the error taxonomy to status codes.
type Server struct {
	app *app.App
	mux *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app: cfg.App,
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestLog(util.WithCORS(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)

	s.mux.HandleFunc("/requests", s.handleRequests)
	s.mux.HandleFunc("/requests/", s.handleRequestByID)

	// External intake: no session, api-class rate budget keyed by remote host.
	s.mux.HandleFunc("/replies", s.handleRecordReply)
	s.mux.HandleFunc("/replies/", s.handleReplyByID)

	s.mux.HandleFunc("/jobs", s.handleListJobs)
	s.mux.HandleFunc("/compose", s.handleCompose)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, err := s.app.Login(remoteHost(r), req.Username, req.Password)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	if err := s.app.Logout(token); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	switch r.Method {
	case http.MethodPost:
		var in app.SubmitInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		req, err := s.app.Submit(token, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	case http.MethodGet:
		reqs, err := s.app.ListRequests(token)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": reqs,
			"count": len(reqs),
		})
	default:
		methodNotAllowed(w)
	}
}

// /requests/{id}, /requests/{id}/schedule, /requests/{id}/send,
// /requests/{id}/cancel, /requests/{id}/replies
func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	path := strings.TrimPrefix(r.URL.Path, "/requests/")
	parts := strings.SplitN(path, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		notFound(w, "not found")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		req, err := s.app.GetRequest(token, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}

	switch parts[1] {
	case "schedule":
		s.handleSchedule(w, r, token, id)
	case "send":
		s.handleSendNow(w, r, token, id)
	case "cancel":
		s.handleCancel(w, r, token, id)
	case "replies":
		s.handleListReplies(w, r, token, id)
	default:
		notFound(w, "not found")
	}
}

type scheduleRequest struct {
	DueAt time.Time `json:"dueAt"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request, token string, id int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	jobID, err := s.app.ScheduleSend(token, id, req.DueAt)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": jobID})
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request, token string, id int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, err := s.app.SendNow(r.Context(), token, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, token string, id int64) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	cancelled, err := s.app.CancelSend(token, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleListReplies(w http.ResponseWriter, r *http.Request, token string, id int64) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	replies, err := s.app.ListReplies(token, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": replies,
		"count": len(replies),
	})
}

func (s *Server) handleRecordReply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var in app.ReplyInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := s.app.RecordReply(r.Context(), remoteHost(r), in)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// /replies/{id}/read
func (s *Server) handleReplyByID(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	path := strings.TrimPrefix(r.URL.Path, "/replies/")
	parts := strings.SplitN(path, "/", 2)
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 || len(parts) != 2 || parts[1] != "read" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkReplyRead(token, id); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	jobs, err := s.app.ListPending(token)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": jobs,
		"count": len(jobs),
	})
}

type composeRequest struct {
	Need string `json:"need"`
	Tone string `json:"tone"`
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, _ := bearerToken(r)
	var req composeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	subject, body, err := s.app.Compose(r.Context(), token, req.Need, req.Tone)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"subject": subject,
		"body":    body,
	})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeAppError maps the pipeline error taxonomy onto HTTP status codes.
func writeAppError(w http.ResponseWriter, err error) {
	var rle *app.RateLimitError
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.As(err, &rle):
		seconds := int(math.Ceil(rle.RetryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, store.ErrNotFound):
		notFound(w, "not found")
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid status transition")
	case errors.Is(err, scheduler.ErrInvalidSchedule):
		writeError(w, http.StatusUnprocessableEntity, "due time is in the past")
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, mailer.ErrDelivery):
		writeError(w, http.StatusBadGateway, "delivery failed")
	case errors.Is(err, ai.ErrGeneration):
		writeError(w, http.StatusBadGateway, "generation failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
