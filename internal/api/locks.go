package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
)

// unlockRequest is the optional body for POST /locks/{id}/unlock.
type unlockRequest struct {
	ResetTime *bool  `json:"reset_time"`
	UserID    string `json:"user_id"`
}

// handleListLocks returns every open lock connection.
func (s *Server) handleListLocks(w http.ResponseWriter, _ *http.Request) {
	locks := s.locks.ListConnections()
	writeJSON(w, http.StatusOK, map[string]any{
		"locks": locks,
		"count": len(locks),
	})
}

// handleGetLock returns the cached record for one lock without contacting it.
func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveLock(chi.URLParam(r, "id"))
	if err != nil {
		writeLockError(w, err)
		return
	}
	info, err := s.locks.Connection(id)
	if err != nil {
		writeLockError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleLockStatus polls the lock (S5) and returns its answer.
func (s *Server) handleLockStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveLock(chi.URLParam(r, "id"))
	if err != nil {
		writeLockError(w, err)
		return
	}
	ctx := omni.WithOrigin(r.Context(), omni.Origin{Source: omni.SourceAPI, UserID: userIDFromContext(r.Context())})
	s.writeResult(w, id, "status")(s.locks.GetStatus(ctx, id))
}

// handleUnlock opens a lock (L0).
//
// The body is optional. reset_time defaults to true; user_id defaults to the
// token subject.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	resetTime := true
	if req.ResetTime != nil {
		resetTime = *req.ResetTime
	}
	userID := req.UserID
	if userID == "" {
		userID = userIDFromContext(r.Context())
	}

	id, err := s.resolveLock(chi.URLParam(r, "id"))
	if err != nil {
		writeLockError(w, err)
		return
	}
	ctx := omni.WithOrigin(r.Context(), omni.Origin{Source: omni.SourceAPI, UserID: userID})
	s.writeResult(w, id, "unlock")(s.locks.UnlockAs(ctx, id, resetTime, userID))
}

// handleLock closes a lock.
func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id, err := s.resolveLock(chi.URLParam(r, "id"))
	if err != nil {
		writeLockError(w, err)
		return
	}
	ctx := omni.WithOrigin(r.Context(), omni.Origin{Source: omni.SourceAPI, UserID: userIDFromContext(r.Context())})
	s.writeResult(w, id, "lock")(s.locks.Lock(ctx, id))
}

// writeResult returns a sink for a command outcome. A lock that answered
// with a failure code is still a 200: the command completed, the lock
// refused.
func (s *Server) writeResult(w http.ResponseWriter, id, action string) func(omni.Result, error) {
	return func(res omni.Result, err error) {
		if err != nil {
			s.logger.Warn("lock command failed", "connection_id", id, "action", action, "error", err)
			writeLockError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// resolveLock accepts either a connection identity or an IMEI.
func (s *Server) resolveLock(ref string) (string, error) {
	if _, err := s.locks.Connection(ref); err == nil {
		return ref, nil
	}
	id, err := s.locks.ConnectionForIMEI(ref)
	if err != nil {
		return "", err
	}
	return id, nil
}
