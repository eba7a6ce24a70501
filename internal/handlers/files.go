package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/sessionpool/internal/pool"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
	"github.com/gluk-w/claworc/sessionpool/internal/sftpconn"
)

type lister interface {
	CurrentDirectory() (string, error)
	List(dir string) ([]sftpconn.FileEntry, error)
}

type listRequest struct {
	Target protocol.Target `json:"target"`
	Path   string          `json:"path,omitempty"`
}

type listResponse struct {
	Path    string               `json:"path"`
	Entries []sftpconn.FileEntry `json:"entries"`
}

// ListFiles borrows an SFTP connection, lists a directory and releases the
// connection. An empty path lists the remote working directory.
func (s *Server) ListFiles(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	ctx := ownerContext(r)
	conn, err := pool.BorrowAs[lister](ctx, s.pool, req.Target, protocol.KindSFTP)
	if err != nil {
		writePoolError(w, err)
		return
	}

	dir := req.Path
	if dir == "" {
		if dir, err = conn.CurrentDirectory(); err != nil {
			s.pool.Close(ctx, req.Target)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	entries, err := conn.List(dir)
	if err != nil {
		s.pool.Close(ctx, req.Target)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.pool.Release(ctx, req.Target)

	if entries == nil {
		entries = []sftpconn.FileEntry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Path: dir, Entries: entries})
}
