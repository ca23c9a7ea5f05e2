package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/libresign/certledger/crl"
	"github.com/libresign/certledger/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: http.StatusText(status), Message: msg})
}

func (a *API) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrAlreadyRevoked):
		// The revoke API treats an already-revoked serial the same as an
		// unknown one: there is nothing left to revoke.
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrDuplicateSerial):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crl.ErrGenerationFailed):
		// Signing diagnostics stay in the server log; the client gets a
		// generic message.
		a.log.Error("CRL generation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "CRL generation failed")
	default:
		a.log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
