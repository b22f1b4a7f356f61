package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conneroisu/workbench/internal/build"
	"github.com/conneroisu/workbench/internal/errors"
	"github.com/conneroisu/workbench/internal/locator"
	"github.com/conneroisu/workbench/internal/session"
	"github.com/conneroisu/workbench/internal/version"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// CreateSessionRequest is the body of POST /api/sessions.
type CreateSessionRequest struct {
	ID   string `json:"id,omitempty"`
	Root string `json:"root"`
}

// LocateRequest is the body of POST /api/sessions/{id}/locate. Exactly one
// of Query and HTML is expected; HTML is the outer HTML of an element.
type LocateRequest struct {
	Query *locator.Query `json:"query,omitempty"`
	HTML  string         `json:"html,omitempty"`
}

// LocateResponse carries the query actually searched and its results.
type LocateResponse struct {
	Query   locator.Query        `json:"query"`
	Results []locator.FileResult `json:"results"`
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error       string              `json:"error"`
	Code        string              `json:"code,omitempty"`
	Diagnostics []errors.BuildError `json:"diagnostics,omitempty"`
	Recoverable bool                `json:"recoverable"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   version.GetShortVersion(),
		"checks": map[string]interface{}{
			"sessions": len(s.sessions.List()),
			"watching": len(s.watchers.Sessions()),
			"builds":   s.builds.Cache().OverallStats().BuildsInProgress,
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"cache":         s.builds.Cache().OverallStats(),
		"builds":        s.builds.Metrics().GetSnapshot(),
		"hit_rate":      s.builds.Metrics().GetCacheHitRate(),
		"success_rate":  s.builds.Metrics().GetSuccessRate(),
		"sessions":      len(s.sessions.List()),
		"watching":      len(s.watchers.Sessions()),
		"listeners":     s.watchers.ListenerCount(),
		"event_clients": s.hub.total(),
	})
}

func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.builds.Metrics().Reset()
	s.logger.Info(r.Context(), "Build metrics reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Root == "" {
		s.writeError(w, r, errors.NewValidationError(errors.ErrCodeValidationFailed, "root is required"))
		return
	}

	sess, err := s.OpenSession(r.Context(), req.ID, req.Root)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusCreated, sess)
}

// OpenSession registers a session and starts watching its root. An empty
// id gets a generated one. Reopening an id replaces its root and drops any
// bundle built from the old one.
func (s *Server) OpenSession(ctx context.Context, id, root string) (*session.Session, error) {
	sess, err := s.sessions.Create(id, root)
	if err != nil {
		return nil, err
	}

	if err := s.watchers.StartWatching(sess.ID, sess.Root, s.config.WatchOptions()); err != nil {
		s.sessions.Remove(sess.ID)
		return nil, err
	}
	s.builds.Invalidate(sess.ID)

	s.logger.Info(ctx, "Session opened", "session_id", sess.ID, "root", sess.Root)
	return sess, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.sessions.List())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.watchers.StopWatching(id)
	s.builds.Invalidate(id)
	s.hub.closeSession(id)
	s.sessions.Remove(id)

	s.logger.Info(r.Context(), "Session removed", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	entry, err := s.builds.Bundle(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Build-Time-Ms", strconv.FormatInt(entry.BuildTime.Milliseconds(), 10))
	w.Header().Set("X-Bundle-Size", strconv.FormatInt(entry.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(entry.Code)); err != nil {
		s.logger.Debug(r.Context(), "Bundle write failed", "session_id", id, "error", err.Error())
	}
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"cleared":    s.builds.Invalidate(id),
	})
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"session":       sess,
		"cache":         s.builds.Cache().GetStats(id),
		"watching":      s.watchers.IsWatching(id),
		"event_clients": s.hub.count(id),
	})
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	root, err := s.sessions.Root(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req LocateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var query locator.Query
	switch {
	case req.HTML != "":
		query, err = locator.QueryFromHTML(req.HTML)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	case req.Query != nil:
		query = *req.Query
	default:
		s.writeError(w, r, locator.ErrEmptyQuery)
		return
	}

	results, err := s.locator.Locate(r.Context(), root, query)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if results == nil {
		results = []locator.FileResult{}
	}

	s.writeJSON(w, r, http.StatusOK, LocateResponse{Query: query, Results: results})
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.NewValidationError(errors.ErrCodeValidationFailed, "invalid request body: "+err.Error())
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(r.Context(), err, "Failed to encode response", "path", r.URL.Path)
	}
}

// writeError maps an error onto a status code and JSON body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), err, "Request failed", "path", r.URL.Path)
	}
	s.writeJSON(w, r, status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error(), Recoverable: errors.IsRecoverable(err)}

	var diag *errors.DiagnosticError
	if stderrors.As(err, &diag) {
		body.Diagnostics = diag.Diagnostics
		return http.StatusUnprocessableEntity, body
	}

	var we *errors.WorkbenchError
	if !stderrors.As(err, &we) {
		return http.StatusInternalServerError, body
	}
	body.Code = we.Code

	switch {
	case stderrors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, body
	case we.Type == errors.ErrorTypeSecurity:
		return http.StatusForbidden, body
	case we.Code == errors.ErrCodeBuildTimeout:
		return http.StatusGatewayTimeout, body
	case stderrors.Is(err, build.ErrNoBuildResult):
		return http.StatusServiceUnavailable, body
	case we.Code == errors.ErrCodeEntryNotFound, we.Code == errors.ErrCodeBuildFailed,
		we.Code == errors.ErrCodeUnsupportedFile:
		return http.StatusUnprocessableEntity, body
	case we.Type == errors.ErrorTypeValidation, we.Code == errors.ErrCodeInvalidPath:
		return http.StatusBadRequest, body
	default:
		return http.StatusInternalServerError, body
	}
}
