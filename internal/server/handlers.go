package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mgrattan/permitsync/internal/record"
	"github.com/mgrattan/permitsync/internal/store"
)

// applyPayload is the wire shape of an apply request: the revision gate and
// audit fields alongside the per-kind change lists.
type applyPayload struct {
	ExpectedRevision uint64 `json:"expected_revision"`
	SchemaVersion    int    `json:"schema_version"`
	SavedAt          string `json:"saved_at"`
	UpdatedBy        string `json:"updated_by"`
	record.ChangeSet
}

// snapshotPayload is the wire shape of a full-replace request.
type snapshotPayload struct {
	ExpectedRevision uint64        `json:"expected_revision"`
	SchemaVersion    int           `json:"schema_version"`
	SavedAt          string        `json:"saved_at"`
	UpdatedBy        string        `json:"updated_by"`
	Data             record.Bundle `json:"data"`
}

// liveResponse wraps the tombstone-free view returned by ?live=1.
type liveResponse struct {
	Revision uint64        `json:"revision"`
	Data     record.Bundle `json:"data"`
}

// requireAuth checks the shared bearer token. WebSocket clients may pass it
// as a ?token= query parameter since browser WebSocket APIs cannot set
// headers. An empty configured token disables the check.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next(w, r)
			return
		}

		presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if presented == r.Header.Get("Authorization") {
			presented = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r)
	}
}

// handleApply merges a change set into the tenant's state. A revision
// conflict is a normal outcome, not an error: the response still carries
// status 200 with conflict=true and the stored revision.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	var payload applyPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := store.ApplyRequest{
		ExpectedRevision: payload.ExpectedRevision,
		SchemaVersion:    payload.SchemaVersion,
		SavedAt:          parseStamp(payload.SavedAt),
		UpdatedBy:        payload.UpdatedBy,
		Changes:          payload.ChangeSet,
	}

	result, err := s.store.ApplyChanges(r.Context(), tenant, req)
	if err != nil {
		s.logger.Printf("Apply failed for tenant %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "apply failed")
		return
	}

	if result.Applied {
		s.notifyRevision(RevisionEvent{
			Tenant:    tenant,
			Revision:  result.Revision,
			UpdatedBy: payload.UpdatedBy,
			UpdatedAt: time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSnapshot replaces the tenant's entire state behind the same
// revision gate as apply.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	var payload snapshotPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req := store.SnapshotRequest{
		ExpectedRevision: payload.ExpectedRevision,
		SchemaVersion:    payload.SchemaVersion,
		SavedAt:          parseStamp(payload.SavedAt),
		UpdatedBy:        payload.UpdatedBy,
		Data:             payload.Data,
	}

	result, err := s.store.SaveSnapshot(r.Context(), tenant, req)
	if err != nil {
		s.logger.Printf("Snapshot failed for tenant %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}

	if result.Applied {
		s.notifyRevision(RevisionEvent{
			Tenant:    tenant,
			Revision:  result.Revision,
			UpdatedBy: payload.UpdatedBy,
			UpdatedAt: time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// handleFetch returns the stored snapshot, or with ?live=1 the current
// non-deleted rows read straight from the tables.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")

	if r.URL.Query().Get("live") == "1" {
		revision, bundle, err := s.store.FetchLiveState(r.Context(), tenant)
		if err != nil {
			s.logger.Printf("Live fetch failed for tenant %s: %v", tenant, err)
			writeError(w, http.StatusInternalServerError, "fetch failed")
			return
		}
		writeJSON(w, http.StatusOK, liveResponse{Revision: revision, Data: bundle})
		return
	}

	snap, err := s.store.FetchSnapshot(r.Context(), tenant)
	if err != nil {
		s.logger.Printf("Fetch failed for tenant %s: %v", tenant, err)
		writeError(w, http.StatusInternalServerError, "fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// parseStamp parses an RFC3339 timestamp, tolerating empty or malformed
// values as zero so a sloppy client cannot fail a write over audit
// metadata.
func parseStamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
