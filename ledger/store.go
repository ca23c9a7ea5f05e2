package ledger

import (
	"context"
	"time"
)

// Revocation carries the fields MarkRevoked stamps onto a record. RevokedAt
// is always set by the caller; the remaining fields are optional.
type Revocation struct {
	ReasonCode     ReasonCode
	RevokedBy      string
	RevokedAt      time.Time
	InvalidityDate *time.Time
	Comment        string
	CRLNumber      *int64
}

// ListQuery describes a filtered, sorted, paginated listing. All filter
// fields are optional and AND-combined. SortBy must already be validated
// against the sort allow-list; stores map it to a column and never
// interpolate caller input into SQL.
type ListQuery struct {
	Status       *Status
	Engine       *Engine
	InstanceID   string
	Generation   *int
	Owner        string
	SerialNumber string // substring match
	RevokedBy    string // substring match
	SortBy       string
	SortDesc     bool
	Offset       int
	Limit        int
}

// sortFields is the allow-list of fields a listing may be ordered by.
// Anything else is silently dropped before the query reaches a store.
var sortFields = map[string]bool{
	"serial_number": true,
	"owner":         true,
	"status":        true,
	"engine":        true,
	"issued_at":     true,
	"valid_to":      true,
	"revoked_at":    true,
	"reason_code":   true,
}

// NormalizeSortField returns field if it is on the sort allow-list, and ""
// otherwise. Stores fall back to the default order (revoked_at desc,
// issued_at desc) for the empty string.
func NormalizeSortField(field string) string {
	if sortFields[field] {
		return field
	}
	return ""
}

// ReasonStat is one row of the revocation statistics breakdown.
type ReasonStat struct {
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// Store is the persistence abstraction for certificate records. The ledger
// service is the only writer; implementations must make MarkRevoked a
// check-and-set on status and NextCRLNumber an atomic per-scope increment,
// since both are racy by construction otherwise.
type Store interface {
	// Insert stores a new record. Returns ErrDuplicateSerial if the serial
	// number is already present.
	Insert(ctx context.Context, rec *CertificateRecord) error

	// GetBySerial returns the record for the given serial number, or
	// ErrNotFound.
	GetBySerial(ctx context.Context, serial string) (*CertificateRecord, error)

	// MarkRevoked atomically transitions the record from issued to revoked
	// and stamps the revocation fields. Returns ErrNotFound for unknown
	// serials and ErrAlreadyRevoked when the status check fails; of two
	// concurrent callers at most one succeeds.
	MarkRevoked(ctx context.Context, serial string, rev Revocation) (*CertificateRecord, error)

	// ListIssuedByOwner returns the records with status issued held by the
	// given owner.
	ListIssuedByOwner(ctx context.Context, owner string) ([]*CertificateRecord, error)

	// List returns one page of records matching the query plus the total
	// count across all pages.
	List(ctx context.Context, q ListQuery) ([]*CertificateRecord, int, error)

	// ListRevoked returns all revoked records matching the scope. Empty
	// scope fields act as wildcards.
	ListRevoked(ctx context.Context, scope Scope) ([]*CertificateRecord, error)

	// CountByStatus returns the number of records per stored status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// CountByReason returns, per reason code, the number of revoked records
	// carrying that code. Records without a reason are not counted.
	CountByReason(ctx context.Context) (map[ReasonCode]int, error)

	// NextCRLNumber returns the next number of the scope's strictly
	// increasing CRL-number sequence, starting at 0 and seeded from the
	// maximum crl_number already assigned within the scope. Concurrent
	// callers for the same scope receive pairwise-distinct numbers.
	NextCRLNumber(ctx context.Context, scope Scope) (int64, error)

	// SetCRLNumber stamps the given CRL number onto the records with the
	// given serials.
	SetCRLNumber(ctx context.Context, serials []string, number int64) error

	// DeleteExpiredBefore removes records whose ValidTo is set and earlier
	// than before, returning the number of deleted rows. Records without a
	// ValidTo are never deleted.
	DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
