package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/libresign/certledger/ledger"
)

// DownloadCRL handles GET /crl. Without query parameters it serves the
// configured active CA scope; instanceId, generation and engine narrow or
// widen the scope for administrative dumps.
func (a *API) DownloadCRL(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	der, err := a.builder.Generate(r.Context(), scope)
	if err != nil {
		a.mapError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Header().Set("Content-Disposition", `attachment; filename=crl.crl`)
	w.Header().Set("Content-Length", strconv.Itoa(len(der)))
	w.Write(der)
}

func scopeFromQuery(r *http.Request) (ledger.Scope, error) {
	q := r.URL.Query()
	var scope ledger.Scope
	scope.InstanceID = q.Get("instanceId")
	if v := q.Get("generation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return ledger.Scope{}, fmt.Errorf("%w: generation must be a non-negative integer", ledger.ErrInvalidArgument)
		}
		scope.Generation = n
	}
	if v := q.Get("engine"); v != "" {
		engine, err := ledger.ParseEngine(v)
		if err != nil {
			return ledger.Scope{}, err
		}
		scope.Engine = engine
	}
	return scope, nil
}

// CheckCertificate handles GET /crl/check/{serialNumber}.
func (a *API) CheckCertificate(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serialNumber")
	if !isPositiveInteger(serial) {
		writeError(w, http.StatusBadRequest, "serial number must be a positive integer")
		return
	}

	res, err := a.ledger.Check(r.Context(), serial)
	if err != nil {
		a.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// isPositiveInteger reports whether s is a base-10 integer greater than
// zero. CA serials can exceed 64 bits, so big.Int does the parsing.
func isPositiveInteger(s string) bool {
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() > 0
}

// ListCertificates handles GET /api/v1/crl/list.
func (a *API) ListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, length := parsePagination(r)

	req := ledger.ListRequest{
		InstanceID:   q.Get("instanceId"),
		Owner:        q.Get("owner"),
		SerialNumber: q.Get("serialNumber"),
		RevokedBy:    q.Get("revokedBy"),
		SortBy:       q.Get("sortBy"),
		SortOrder:    q.Get("sortOrder"),
		Page:         page,
		PageSize:     length,
	}
	if v := q.Get("status"); v != "" {
		status, err := ledger.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Status = &status
	}
	if v := q.Get("engine"); v != "" {
		engine, err := ledger.ParseEngine(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Engine = &engine
	}
	if v := q.Get("generation"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "generation must be an integer")
			return
		}
		req.Generation = &n
	}

	recs, total, err := a.ledger.List(r.Context(), req)
	if err != nil {
		a.mapError(w, err)
		return
	}
	if recs == nil {
		recs = []*ledger.CertificateRecord{}
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Data:   recs,
		Total:  total,
		Page:   page,
		Length: length,
	})
}

// RevokeCertificate handles POST /api/v1/crl/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SerialNumber == "" {
		writeError(w, http.StatusBadRequest, "serialNumber is required")
		return
	}
	if req.ReasonCode == nil {
		writeError(w, http.StatusBadRequest, "reasonCode is required")
		return
	}
	reason, err := ledger.ParseReasonCode(*req.ReasonCode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.ledger.Revoke(r.Context(), ledger.RevokeRequest{
		SerialNumber: req.SerialNumber,
		ReasonCode:   reason,
		Comment:      req.ReasonText,
		RevokedBy:    req.RevokedBy,
	})
	if err != nil {
		a.mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RevokeResponse{
		Success: true,
		Message: fmt.Sprintf("certificate %s revoked (%s)", rec.SerialNumber, reason.Description()),
	})
}

// Statistics handles GET /api/v1/crl/statistics.
func (a *API) Statistics(w http.ResponseWriter, r *http.Request) {
	statuses, err := a.ledger.Statistics(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}
	reasons, err := a.ledger.RevocationStatistics(r.Context())
	if err != nil {
		a.mapError(w, err)
		return
	}

	out := StatisticsResponse{
		Statuses: statuses,
		Reasons:  make(map[int]ReasonStat, len(reasons)),
	}
	for rc, stat := range reasons {
		out.Reasons[int(rc)] = ReasonStat{Description: stat.Description, Count: stat.Count}
	}
	writeJSON(w, http.StatusOK, out)
}
