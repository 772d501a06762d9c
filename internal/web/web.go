package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"coursewatch/internal/calendar"
	"coursewatch/internal/config"
	appLog "coursewatch/internal/log"
	"coursewatch/internal/model"
	"coursewatch/internal/poll"
	"coursewatch/internal/report"
)

// Controller is the command surface of the poll loop. *poll.Loop
// implements it.
type Controller interface {
	AddWatch(ctx context.Context, courseURL string) (string, error)
	RemoveWatch(courseURL string) error
	Watches() []model.WatchedCourse
	SetInterval(seconds int) error
	Start()
	Stop()
	Status() poll.Status
}

// SnapshotReader gives read access to stored snapshots.
type SnapshotReader interface {
	Get(courseKey string) (model.Snapshot, bool)
}

// Deps are the components the HTTP API drives.
type Deps struct {
	Loop      Controller
	Snapshots SnapshotReader
	Calendar  *calendar.Builder
	Hub       *Hub
}

// Server exposes the watcher's commands and state over HTTP.
type Server struct {
	cfg  *config.Config
	deps Deps
	mux  *http.ServeMux

	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: sameOrigin}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="coursewatch", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/watches", s.handleListWatches)
	s.mux.HandleFunc("POST /api/watches", s.handleAddWatch)
	s.mux.HandleFunc("DELETE /api/watches", s.handleRemoveWatch)

	s.mux.HandleFunc("GET /api/interval", s.handleGetInterval)
	s.mux.HandleFunc("PUT /api/interval", s.handleSetInterval)
	s.mux.HandleFunc("POST /api/start", s.handleStart)
	s.mux.HandleFunc("POST /api/stop", s.handleStop)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/snapshots", s.handleSnapshots)

	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendar)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type watchRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleListWatches(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Loop.Watches())
}

// handleAddWatch registers a course.
//
// POST /api/watches {"url": "..."}
//   - 201 with the watched course on success (200 if already watched)
//   - 422 when the URL could not be validated by a title lookup
func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if !validCourseURL(req.URL) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	existed := false
	for _, wc := range s.deps.Loop.Watches() {
		if wc.URL == req.URL {
			existed = true
			break
		}
	}

	title, err := s.deps.Loop.AddWatch(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, poll.ErrWatchRejected) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		appLog.Error("add watch failed", err, "url", req.URL)
		writeError(w, http.StatusInternalServerError, "failed to add watch")
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, model.WatchedCourse{URL: req.URL, Title: title})
}

// handleRemoveWatch unregisters a course.
//
// DELETE /api/watches?url=...
func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	courseURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if courseURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	if err := s.deps.Loop.RemoveWatch(courseURL); err != nil {
		if errors.Is(err, poll.ErrUnknownWatch) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type intervalBody struct {
	Seconds int `json:"seconds"`
}

func (s *Server) handleGetInterval(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, intervalBody{Seconds: s.deps.Loop.Status().Interval})
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Loop.SetInterval(req.Seconds); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type runState struct {
	Running bool `json:"running"`
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	s.deps.Loop.Start()
	writeJSON(w, http.StatusOK, runState{Running: true})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.deps.Loop.Stop()
	writeJSON(w, http.StatusOK, runState{Running: false})
}

type statusResponse struct {
	poll.Status
	Clients int                  `json:"wsClients"`
	Process *report.ProcessStats `json:"process,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.deps.Loop.Status()}
	if s.deps.Hub != nil {
		resp.Clients = s.deps.Hub.ClientCount()
	}
	if stats, err := report.CollectProcessStats(r.Context()); err == nil {
		resp.Process = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

type snapshotView struct {
	Course   model.WatchedCourse `json:"course"`
	Observed bool                `json:"observed"`
	Sessions model.Snapshot      `json:"sessions"`
}

// handleSnapshots returns the stored snapshot of one course (?url=) or of
// every watched course.
func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	watches := s.deps.Loop.Watches()

	if courseURL := strings.TrimSpace(r.URL.Query().Get("url")); courseURL != "" {
		for _, wc := range watches {
			if wc.URL == courseURL {
				writeJSON(w, http.StatusOK, s.snapshotOf(wc))
				return
			}
		}
		writeError(w, http.StatusNotFound, "course is not watched")
		return
	}

	out := make([]snapshotView, 0, len(watches))
	for _, wc := range watches {
		out = append(out, s.snapshotOf(wc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) snapshotOf(wc model.WatchedCourse) snapshotView {
	snap, ok := s.deps.Snapshots.Get(wc.URL)
	if snap == nil {
		snap = model.Snapshot{}
	}
	return snapshotView{Course: wc, Observed: ok, Sessions: snap}
}

// handleCalendar serves available sessions of all watched courses as an
// iCalendar feed.
func (s *Server) handleCalendar(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Calendar == nil {
		writeError(w, http.StatusNotFound, "calendar feed disabled")
		return
	}
	watches := s.deps.Loop.Watches()
	courses := make([]calendar.Course, 0, len(watches))
	for _, wc := range watches {
		snap, _ := s.deps.Snapshots.Get(wc.URL)
		courses = append(courses, calendar.Course{Course: wc, Snapshot: snap})
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="coursewatch.ics"`)
	w.WriteHeader(http.StatusOK)
	if err := s.deps.Calendar.Build(courses).SerializeTo(w); err != nil {
		appLog.Error("failed to write calendar", err)
	}
}

// handleWS upgrades to a websocket that receives availability alerts and
// digests. Client messages are read only to detect disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "websocket disabled")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		appLog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	appLog.Info("websocket client connected", "remote", r.RemoteAddr)
	c := s.deps.Hub.addClient(conn)

	go func() {
		defer func() {
			s.deps.Hub.removeClient(c)
			appLog.Info("websocket client disconnected", "remote", r.RemoteAddr)
		}()
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// sameOrigin accepts requests without an Origin header and those whose
// Origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func validCourseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}

// Shutdown gracefully stops srv, then disconnects websocket clients.
func Shutdown(srv *http.Server, hub *Hub, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := srv.Shutdown(ctx)
	if hub != nil {
		hub.Close()
	}
	return err
}
