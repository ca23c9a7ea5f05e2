// Package ledger tracks every certificate issued by the system's internal
// certificate authorities and owns their lifecycle state. A certificate is
// created as issued, transitions at most once to revoked, and is otherwise
// immutable until the retention sweeper deletes it. The package also defines
// the Store persistence abstraction implemented by the memory, sqlite and
// postgres backends.
package ledger

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status is the stored lifecycle state of a certificate. Only two states are
// persisted; "expired" is a derived display status, never stored.
type Status string

const (
	StatusIssued  Status = "issued"
	StatusRevoked Status = "revoked"
)

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusIssued, StatusRevoked:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine identifies the CA backend that issued a certificate.
type Engine string

const (
	EngineOpenSSL Engine = "openssl"
	EngineCFSSL   Engine = "cfssl"
)

// ParseEngine converts a string into an Engine.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EngineOpenSSL, EngineCFSSL:
		return Engine(s), nil
	}
	return "", fmt.Errorf("%w: unknown engine %q", ErrInvalidArgument, s)
}

// ---------------------------------------------------------------------------
// ReasonCode
// ---------------------------------------------------------------------------

// ReasonCode is an RFC 5280 CRLReason value (0-10). Value 7 is reserved by
// the RFC and never valid.
type ReasonCode int

const (
	ReasonUnspecified          ReasonCode = 0
	ReasonKeyCompromise        ReasonCode = 1
	ReasonCACompromise         ReasonCode = 2
	ReasonAffiliationChanged   ReasonCode = 3
	ReasonSuperseded           ReasonCode = 4
	ReasonCessationOfOperation ReasonCode = 5
	ReasonCertificateHold      ReasonCode = 6
	ReasonRemoveFromCRL        ReasonCode = 8
	ReasonPrivilegeWithdrawn   ReasonCode = 9
	ReasonAACompromise         ReasonCode = 10
)

var reasonDescriptions = map[ReasonCode]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

// ParseReasonCode validates an integer reason code. The reserved value 7 is
// rejected even though it sits inside the numeric 0-10 envelope.
func ParseReasonCode(n int) (ReasonCode, error) {
	rc := ReasonCode(n)
	if _, ok := reasonDescriptions[rc]; !ok {
		return 0, fmt.Errorf("%w: invalid reason code %d", ErrInvalidArgument, n)
	}
	return rc, nil
}

// Description returns the RFC 5280 name of the reason code.
func (rc ReasonCode) Description() string {
	if d, ok := reasonDescriptions[rc]; ok {
		return d
	}
	return fmt.Sprintf("reason(%d)", int(rc))
}

// ---------------------------------------------------------------------------
// Scope
// ---------------------------------------------------------------------------

// Scope isolates one CA incarnation's serial and CRL-number space from
// another's. Generation increments whenever the underlying CA key material
// is rotated. Empty fields act as wildcards when fetching revoked records
// for administrative full dumps.
type Scope struct {
	InstanceID string
	Generation int
	Engine     Engine
}

// IsZero reports whether every scope field is unset.
func (s Scope) IsZero() bool {
	return s.InstanceID == "" && s.Generation == 0 && s.Engine == ""
}

// ---------------------------------------------------------------------------
// CertificateRecord
// ---------------------------------------------------------------------------

// CertificateRecord is one row per certificate ever issued by this system's
// CAs. Revocation fields are set exactly once, by Ledger.Revoke.
type CertificateRecord struct {
	ID             string      `db:"id" json:"id"`
	SerialNumber   string      `db:"serial_number" json:"serial_number"`
	Owner          string      `db:"owner" json:"owner"`
	Status         Status      `db:"status" json:"status"`
	ReasonCode     *ReasonCode `db:"reason_code" json:"reason_code,omitempty"`
	RevokedBy      string      `db:"revoked_by" json:"revoked_by,omitempty"`
	RevokedAt      *time.Time  `db:"revoked_at" json:"revoked_at,omitempty"`
	InvalidityDate *time.Time  `db:"invalidity_date" json:"invalidity_date,omitempty"`
	Comment        string      `db:"comment" json:"comment,omitempty"`
	CRLNumber      *int64      `db:"crl_number" json:"crl_number,omitempty"`
	IssuedAt       time.Time   `db:"issued_at" json:"issued_at"`
	ValidTo        *time.Time  `db:"valid_to" json:"valid_to,omitempty"`
	Engine         Engine      `db:"engine" json:"engine"`
	InstanceID     string      `db:"instance_id" json:"instance_id,omitempty"`
	Generation     int         `db:"generation" json:"generation,omitempty"`
}

// IsRevoked reports whether the certificate has been revoked.
func (r *CertificateRecord) IsRevoked() bool {
	return r.Status == StatusRevoked
}

// IsExpired reports whether ValidTo is set and lies in the past relative to
// now. A record with no ValidTo never expires.
func (r *CertificateRecord) IsExpired(now time.Time) bool {
	return r.ValidTo != nil && r.ValidTo.Before(now)
}

// IsValid reports whether the certificate is neither revoked nor expired.
func (r *CertificateRecord) IsValid(now time.Time) bool {
	return !r.IsRevoked() && !r.IsExpired(now)
}

// Clone returns a deep copy of the record so that store-internal state can
// never be mutated through a returned pointer.
func (r *CertificateRecord) Clone() *CertificateRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ReasonCode = clonePtr(r.ReasonCode)
	c.RevokedAt = clonePtr(r.RevokedAt)
	c.InvalidityDate = clonePtr(r.InvalidityDate)
	c.CRLNumber = clonePtr(r.CRLNumber)
	c.ValidTo = clonePtr(r.ValidTo)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
