package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/sessionpool/internal/pool"
	"github.com/gluk-w/claworc/sessionpool/internal/protocol"
)

// retryAfterSeconds is advertised when a target is at capacity.
const retryAfterSeconds = 5

// statusClientClosedRequest reports a borrow abandoned because the client
// went away. net/http has no constant for it.
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writePoolError maps a borrow or operation failure to an HTTP status.
func writePoolError(w http.ResponseWriter, err error) {
	var ce *protocol.ConnectError
	switch {
	case errors.Is(err, pool.ErrAlreadyBorrowed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pool.ErrPoolExhausted):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, protocol.ErrUnsupportedProtocol), errors.Is(err, protocol.ErrInvalidTarget):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, pool.ErrBorrowTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, statusClientClosedRequest, err.Error())
	case errors.Is(err, pool.ErrManagerClosed), errors.Is(err, pool.ErrConnectAborted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
