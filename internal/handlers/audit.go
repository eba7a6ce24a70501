package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/sessionpool/internal/audit"
)

// GetAuditLogs returns paginated pool audit records.
//
// Query parameters:
//
//	target - filter by target (user@host:port)
//	owner  - filter by owner
//	op     - filter by operation
//	result - filter by result label
//	since  - RFC3339 timestamp, only records at or after this time
//	until  - RFC3339 timestamp, only records at or before this time
//	limit  - max records to return (default 50, max 1000)
//	offset - pagination offset
func (s *Server) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit trail not enabled")
		return
	}

	q := r.URL.Query()
	opts := audit.QueryOptions{
		Pool:   s.pool.Name(),
		Target: q.Get("target"),
		Owner:  q.Get("owner"),
		Op:     q.Get("op"),
		Result: q.Get("result"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := s.auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
