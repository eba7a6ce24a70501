package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/claworc/sessionpool/internal/logging"
	"github.com/gluk-w/claworc/sessionpool/internal/pool"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
	"github.com/gluk-w/claworc/sessionpool/internal/shellconn"
)

// maxExecTimeout caps timeout_ms on exec requests.
const maxExecTimeout = 10 * time.Minute

// executor is the capability exec needs from a pooled connection.
type executor interface {
	ExecWithStdin(ctx context.Context, cmd string, stdin io.Reader) (shellconn.Result, error)
}

type execRequest struct {
	Target    protocol.Target `json:"target"`
	Protocol  protocol.Kind   `json:"protocol,omitempty"`
	Command   string          `json:"command"`
	Stdin     string          `json:"stdin,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

type execResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// Exec borrows a shell connection for the caller, runs one command and
// releases the connection. A connection whose command failed at the
// transport level is closed instead of released.
func (s *Server) Exec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, http.StatusBadRequest, "timeout_ms must not be negative")
		return
	}
	if req.Protocol == "" {
		req.Protocol = protocol.KindShell
	}

	ctx := ownerContext(r)
	conn, err := pool.BorrowAs[executor](ctx, s.pool, req.Target, req.Protocol)
	if err != nil {
		writePoolError(w, err)
		return
	}

	runCtx := ctx
	if req.TimeoutMs > 0 {
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		if timeout > maxExecTimeout {
			timeout = maxExecTimeout
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := conn.ExecWithStdin(runCtx, req.Command, strings.NewReader(req.Stdin))
	if err != nil {
		s.pool.Close(ctx, req.Target)
		s.logger.Warn().Err(err).
			Str("target", req.Target.Key().String()).
			Str("command", logging.SanitizeForLog(req.Command)).
			Msg("exec failed")
		if runCtx.Err() != nil {
			writeError(w, http.StatusGatewayTimeout, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.pool.Release(ctx, req.Target)

	writeJSON(w, http.StatusOK, execResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
	})
}
