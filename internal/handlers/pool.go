package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/sessionpool/internal/monitor"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

type poolConfigResponse struct {
	MaxConnectionsPerTarget int   `json:"max_connections_per_target"`
	BorrowTimeoutMs         int64 `json:"borrow_timeout_ms"`
	ReuseTimeoutSec         int64 `json:"reuse_timeout_sec"`
	CloseTimeoutSec         int64 `json:"close_timeout_sec"`
	SweepPeriodMs           int64 `json:"sweep_period_ms"`
	AutoInspect             bool  `json:"auto_inspect"`
	ConnectTimeoutMs        int64 `json:"connect_timeout_ms"`
}

type poolResponse struct {
	Name    string              `json:"name"`
	Config  poolConfigResponse  `json:"config"`
	Entries []monitor.EntryView `json:"entries"`
	Kinds   []protocol.Kind     `json:"kinds"`
}

type sweepResponse struct {
	Released int `json:"released"`
	Closed   int `json:"closed"`
	Evicted  int `json:"evicted"`
}

type targetRequest struct {
	Target protocol.Target `json:"target"`
}

// GetPool returns the manager's configuration and every entry it holds.
func (s *Server) GetPool(w http.ResponseWriter, r *http.Request) {
	cfg := s.pool.Config()
	entries := s.pool.Snapshot()
	writeJSON(w, http.StatusOK, poolResponse{
		Name: s.pool.Name(),
		Config: poolConfigResponse{
			MaxConnectionsPerTarget: cfg.MaxConnectionsPerTarget,
			BorrowTimeoutMs:         cfg.BorrowTimeout.Milliseconds(),
			ReuseTimeoutSec:         int64(cfg.ReuseTimeout.Seconds()),
			CloseTimeoutSec:         int64(cfg.CloseTimeout.Seconds()),
			SweepPeriodMs:           cfg.SweepPeriod.Milliseconds(),
			AutoInspect:             cfg.AutoInspect,
			ConnectTimeoutMs:        cfg.ConnectTimeout.Milliseconds(),
		},
		Entries: entries,
		Kinds:   s.pool.Kinds(),
	})
}

// SweepPool sweeps the pool now, then notifies observers of a manual
// inspection.
func (s *Server) SweepPool(w http.ResponseWriter, r *http.Request) {
	res := s.pool.Sweep()
	s.pool.Inspect()
	writeJSON(w, http.StatusOK, sweepResponse{Released: res.Released, Closed: res.Closed, Evicted: res.Evicted})
}

// ReleaseConnection returns the caller's connection to the pool.
func (s *Server) ReleaseConnection(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Target.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.pool.Release(ownerContext(r), req.Target)
	w.WriteHeader(http.StatusNoContent)
}

// CloseConnection disconnects the caller's connection and drops it.
func (s *Server) CloseConnection(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := req.Target.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.pool.Close(ownerContext(r), req.Target)
	w.WriteHeader(http.StatusNoContent)
}
