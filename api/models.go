package api

import "github.com/libresign/certledger/ledger"

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RevokeRequest is the JSON body for POST /api/v1/crl/revoke.
type RevokeRequest struct {
	SerialNumber string `json:"serialNumber"`
	ReasonCode   *int   `json:"reasonCode"`
	ReasonText   string `json:"reasonText,omitempty"`
	RevokedBy    string `json:"revokedBy,omitempty"`
}

// RevokeResponse is returned from POST /api/v1/crl/revoke.
type RevokeResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ListResponse is returned from GET /api/v1/crl/list.
type ListResponse struct {
	Data   []*ledger.CertificateRecord `json:"data"`
	Total  int                         `json:"total"`
	Page   int                         `json:"page"`
	Length int                         `json:"length"`
}

// StatisticsResponse is returned from GET /api/v1/crl/statistics.
type StatisticsResponse struct {
	Statuses map[ledger.Status]int `json:"statuses"`
	Reasons  map[int]ReasonStat    `json:"reasons"`
}

// ReasonStat is one reason-code row of the revocation breakdown.
type ReasonStat struct {
	Description string `json:"description"`
	Count       int    `json:"count"`
}
