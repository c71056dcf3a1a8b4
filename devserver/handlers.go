package devserver

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/waitroom/api"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("devserver: bad request")

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	register := func(r chi.Router) {
		r.Post("/queue/check", s.handleCheck)
		r.Post("/queue/token", s.handleIssue)
		r.Get("/queue/status/{token}", s.handleStatus)
		r.Delete("/queue/token/{token}", s.handleCancel)
		r.Post("/queue/heartbeat", s.handleHeartbeat)
		r.Post("/queue/release-session", s.handleRelease)
		r.Post("/queue/clear-sessions", s.handleClear)
	}
	if s.cfg.Prefix == "" {
		register(r)
	} else {
		r.Route(s.cfg.Prefix, register)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, http.StatusOK, api.Ack{Message: "ok"})
	})
	return otelhttp.NewHandler(r, "waitroom.devserver")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("devserver.http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"client", clientIdentity(r),
			"request_id", middleware.GetReqID(r.Context()),
			"elapsed", time.Since(start),
		)
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req api.CheckRequest
	if err := decodeBody(r, &req); err != nil || req.PerformanceID == "" {
		writeError(w, http.StatusBadRequest, "performanceId required")
		return
	}
	clientID, now := clientIdentity(r), s.clock.Now()
	var out api.Requirement
	err := s.store.Update(r.Context(), func(room *Room) error {
		out = room.Check(s.policy, now, clientID, req.PerformanceID, req.ScheduleID)
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req api.TokenRequest
	if err := decodeBody(r, &req); err != nil || req.PerformanceID == "" {
		writeError(w, http.StatusBadRequest, "performanceId required")
		return
	}
	clientID, now := clientIdentity(r), s.clock.Now()
	id, signed, err := s.signer.issue(now, s.cfg.TokenTTL, clientID, req.PerformanceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var out api.Token
	err = s.store.Update(r.Context(), func(room *Room) error {
		rec := room.Issue(s.policy, now, TokenRecord{ID: id, Signed: signed, PerformanceID: req.PerformanceID, ClientID: clientID})
		out = room.View(s.policy, rec)
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("devserver.token.issued", "token_id", id, "client", clientID, "performance_id", req.PerformanceID, "status", out.Status, "position", out.PositionInQueue)
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.signer.resolve(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ctrlMu.Lock()
	s.statusCalls[id]++
	s.ctrlMu.Unlock()

	now := s.clock.Now()
	var out api.Token
	err = s.store.Update(r.Context(), func(room *Room) error {
		rec, err := room.Lookup(s.policy, now, id)
		if err != nil {
			return err
		}
		out = room.View(s.policy, rec)
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, out)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := s.signer.resolve(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.clock.Now()
	if err := s.store.Update(r.Context(), func(room *Room) error {
		return room.Cancel(s.policy, now, id)
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("devserver.token.cancelled", "token_id", id)
	writeData(w, http.StatusOK, api.Ack{Message: "cancelled"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.SessionRequest
	if err := decodeBody(r, &req); err != nil || req.PerformanceID == "" {
		writeError(w, http.StatusBadRequest, "performanceId required")
		return
	}
	s.ctrlMu.Lock()
	s.heartbeats++
	fail := s.failHeartbeats
	s.ctrlMu.Unlock()
	if fail {
		writeError(w, http.StatusServiceUnavailable, "heartbeat rejected")
		return
	}
	clientID, now := clientIdentity(r), s.clock.Now()
	if err := s.store.Update(r.Context(), func(room *Room) error {
		return room.Heartbeat(s.policy, now, clientID, req.PerformanceID, req.ScheduleID)
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeData(w, http.StatusOK, api.Ack{Message: "alive"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req api.ReleaseRequest
	if err := decodeBody(r, &req); err != nil || req.PerformanceID == "" {
		writeError(w, http.StatusBadRequest, "performanceId required")
		return
	}
	s.ctrlMu.Lock()
	s.releases = append(s.releases, req)
	s.ctrlMu.Unlock()

	clientID, now := clientIdentity(r), s.clock.Now()
	var released bool
	if err := s.store.Update(r.Context(), func(room *Room) error {
		released = room.Release(s.policy, now, clientID, req.PerformanceID)
		return nil
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("devserver.session.released", "client", clientID, "performance_id", req.PerformanceID, "schedule_id", req.ScheduleID, "reason", req.Reason, "held", released)
	writeData(w, http.StatusOK, api.Ack{Message: "released"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Update(r.Context(), func(room *Room) error {
		room.Clear()
		return nil
	}); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Warn("devserver.sessions.cleared")
	writeData(w, http.StatusOK, api.Ack{Message: "cleared"})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownToken):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoSession):
		status = http.StatusConflict
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("devserver.http.failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// clientIdentity names the visitor a request belongs to: the client instance
// header, then the session header, then the remote host.
func clientIdentity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(api.HeaderClientID)); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(api.HeaderSessionID)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

func writeData(w http.ResponseWriter, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeEnvelope(w, status, api.Envelope{Success: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, api.Envelope{Success: false, Error: msg, Message: http.StatusText(status)})
}

func writeEnvelope(w http.ResponseWriter, status int, env api.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
