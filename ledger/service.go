package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how long expired certificates are kept before the
// retention sweeper may delete them, unless configured otherwise.
const DefaultRetention = 365 * 24 * time.Hour

// Display statuses returned by Check. "expired" and "not_found" are derived;
// only issued and revoked are ever stored.
const (
	DisplayIssued   = "issued"
	DisplayRevoked  = "revoked"
	DisplayExpired  = "expired"
	DisplayNotFound = "not_found"
)

// Ledger owns all certificate state transitions and answers the read-side
// queries. It is the sole writer of its Store.
type Ledger struct {
	store Store
	now   func() time.Time
	log   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source. Used by tests and by callers that
// need deterministic point-in-time behavior.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the structured logger. If not set, a JSON logger writing
// to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.log = logger }
}

// New creates a Ledger over the given store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return l
}

// Store returns the underlying store. The CRL document builder shares it for
// its revoked-set reads and CRL-number sequencing.
func (l *Ledger) Store() Store {
	return l.store
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

// CreateRequest holds the parameters for recording a newly issued
// certificate.
type CreateRequest struct {
	SerialNumber string
	Owner        string
	Engine       Engine
	InstanceID   string
	Generation   int
	IssuedAt     time.Time
	ValidTo      *time.Time // nil = does not expire
}

// Create records a newly issued certificate. The serial number must be
// unique system-wide; a duplicate fails with ErrDuplicateSerial.
func (l *Ledger) Create(ctx context.Context, req CreateRequest) (*CertificateRecord, error) {
	serial := strings.TrimSpace(req.SerialNumber)
	if serial == "" {
		return nil, fmt.Errorf("%w: serial number is required", ErrInvalidArgument)
	}
	if _, err := ParseEngine(string(req.Engine)); err != nil {
		return nil, err
	}
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = l.now()
	}

	rec := &CertificateRecord{
		ID:           uuid.NewString(),
		SerialNumber: serial,
		Owner:        req.Owner,
		Status:       StatusIssued,
		IssuedAt:     issuedAt.UTC(),
		ValidTo:      req.ValidTo,
		Engine:       req.Engine,
		InstanceID:   req.InstanceID,
		Generation:   req.Generation,
	}
	if err := l.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	l.log.Info("certificate recorded",
		"serial_number", serial,
		"owner", req.Owner,
		"engine", string(req.Engine))
	return rec, nil
}

// RevokeRequest holds the parameters for revoking a certificate.
type RevokeRequest struct {
	SerialNumber   string
	ReasonCode     ReasonCode
	Comment        string
	RevokedBy      string
	InvalidityDate *time.Time // may predate the revocation when the compromise is older
	CRLNumber      *int64
}

// Revoke transitions a certificate from issued to revoked, exactly once.
// Unknown serials fail with ErrNotFound; a second revoke fails with
// ErrAlreadyRevoked and leaves the first call's metadata untouched.
func (l *Ledger) Revoke(ctx context.Context, req RevokeRequest) (*CertificateRecord, error) {
	serial := strings.TrimSpace(req.SerialNumber)
	if serial == "" {
		return nil, fmt.Errorf("%w: serial number is required", ErrInvalidArgument)
	}
	if _, err := ParseReasonCode(int(req.ReasonCode)); err != nil {
		return nil, err
	}

	rec, err := l.store.MarkRevoked(ctx, serial, Revocation{
		ReasonCode:     req.ReasonCode,
		RevokedBy:      req.RevokedBy,
		RevokedAt:      l.now().UTC(),
		InvalidityDate: req.InvalidityDate,
		Comment:        req.Comment,
		CRLNumber:      req.CRLNumber,
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("certificate revoked",
		"serial_number", serial,
		"reason_code", int(req.ReasonCode),
		"revoked_by", req.RevokedBy)
	return rec, nil
}

// FindBySerial returns the record for the given serial number.
func (l *Ledger) FindBySerial(ctx context.Context, serial string) (*CertificateRecord, error) {
	return l.store.GetBySerial(ctx, serial)
}

// FindIssuedByOwner returns the owner's certificates that are still in the
// issued state.
func (l *Ledger) FindIssuedByOwner(ctx context.Context, owner string) ([]*CertificateRecord, error) {
	return l.store.ListIssuedByOwner(ctx, owner)
}

// ---------------------------------------------------------------------------
// Query engine
// ---------------------------------------------------------------------------

// CheckResult is the answer to a status check for a single serial number.
type CheckResult struct {
	SerialNumber string    `json:"serial_number"`
	Status       string    `json:"status"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Check returns the display status of a serial number at the current time.
// Expiry takes precedence over issued once ValidTo has passed, even for
// certificates that were never revoked.
func (l *Ledger) Check(ctx context.Context, serial string) (CheckResult, error) {
	now := l.now().UTC()
	res := CheckResult{SerialNumber: serial, CheckedAt: now}

	rec, err := l.store.GetBySerial(ctx, serial)
	switch {
	case err == nil:
	case isNotFound(err):
		res.Status = DisplayNotFound
		return res, nil
	default:
		return CheckResult{}, err
	}

	switch {
	case rec.IsRevoked():
		res.Status = DisplayRevoked
	case rec.IsExpired(now):
		res.Status = DisplayExpired
	default:
		res.Status = DisplayIssued
	}
	return res, nil
}

// IsInvalidAt reports whether the certificate was invalid as of the check
// date. Serials unknown to the ledger return false: this engine only
// adjudicates certificates it tracks, and unknown is not the same as
// invalid. A currently revoked certificate is reported invalid regardless
// of at; only the invalidity-date branch is time-windowed. Callers that
// need genuine point-in-time semantics use WasRevokedAt.
func (l *Ledger) IsInvalidAt(ctx context.Context, serial string, at time.Time) (bool, error) {
	rec, err := l.store.GetBySerial(ctx, serial)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if rec.IsRevoked() {
		return true, nil
	}
	if rec.InvalidityDate != nil && !rec.InvalidityDate.After(at) {
		return true, nil
	}
	return false, nil
}

// WasRevokedAt reports whether the certificate had already been revoked, or
// was already known compromised via its invalidity date, as of the given
// time. A certificate revoked after at is still considered good at at, so a
// signature produced before the revocation stays verifiable.
func (l *Ledger) WasRevokedAt(ctx context.Context, serial string, at time.Time) (bool, error) {
	rec, err := l.store.GetBySerial(ctx, serial)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if rec.InvalidityDate != nil && !rec.InvalidityDate.After(at) {
		return true, nil
	}
	return rec.RevokedAt != nil && !rec.RevokedAt.After(at), nil
}

// ListRequest is the admin listing request before normalization. Filter
// fields are optional and AND-combined.
type ListRequest struct {
	Status       *Status
	Engine       *Engine
	InstanceID   string
	Generation   *int
	Owner        string
	SerialNumber string
	RevokedBy    string
	SortBy       string
	SortOrder    string // "asc" or "desc"; anything else means desc
	Page         int
	PageSize     int
}

// DefaultPageSize and MaxPageSize bound admin listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// List returns one page of records matching the request plus the total
// filtered count. Sort fields outside the allow-list are silently ignored
// and the default order (revoked_at desc, issued_at desc) applies.
func (l *Ledger) List(ctx context.Context, req ListRequest) ([]*CertificateRecord, int, error) {
	page := req.Page
	if page < 1 {
		page = 1
	}
	size := req.PageSize
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	q := ListQuery{
		Status:       req.Status,
		Engine:       req.Engine,
		InstanceID:   req.InstanceID,
		Generation:   req.Generation,
		Owner:        req.Owner,
		SerialNumber: req.SerialNumber,
		RevokedBy:    req.RevokedBy,
		SortBy:       NormalizeSortField(req.SortBy),
		SortDesc:     strings.ToLower(req.SortOrder) != "asc",
		Offset:       (page - 1) * size,
		Limit:        size,
	}
	return l.store.List(ctx, q)
}

// Statistics returns the number of records per stored status.
func (l *Ledger) Statistics(ctx context.Context) (map[Status]int, error) {
	return l.store.CountByStatus(ctx)
}

// RevocationStatistics returns, per reason code, its RFC 5280 description
// and the number of revoked records carrying it.
func (l *Ledger) RevocationStatistics(ctx context.Context) (map[ReasonCode]ReasonStat, error) {
	counts, err := l.store.CountByReason(ctx)
	if err != nil {
		return nil, err
	}
	stats := make(map[ReasonCode]ReasonStat, len(counts))
	for rc, n := range counts {
		stats[rc] = ReasonStat{Description: rc.Description(), Count: n}
	}
	return stats, nil
}

// ---------------------------------------------------------------------------
// Retention sweeper
// ---------------------------------------------------------------------------

// CleanupExpired deletes records whose ValidTo has been in the past for
// longer than the retention window. A zero before defaults to
// now - DefaultRetention. Non-expiring records are never touched.
func (l *Ledger) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		before = l.now().Add(-DefaultRetention)
	}
	deleted, err := l.store.DeleteExpiredBefore(ctx, before.UTC())
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		l.log.Info("expired certificates removed", "deleted", deleted, "before", before.UTC())
	}
	return deleted, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
