// Package memory provides a thread-safe in-memory implementation of
// ledger.Store. Suitable for testing, demos, and single-process use cases.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/libresign/certledger/ledger"
)

// Store is a thread-safe in-memory implementation of ledger.Store. Records
// are keyed by serial number; reads return clones so callers can never
// mutate internal state.
type Store struct {
	mu      sync.RWMutex
	records map[string]*ledger.CertificateRecord
	// counters holds the next CRL number per (instanceID, generation,
	// engine) scope, lazily seeded from the records' assigned numbers.
	counters map[string]int64
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a new empty in-memory Store.
func NewStore() *Store {
	return &Store{
		records:  make(map[string]*ledger.CertificateRecord),
		counters: make(map[string]int64),
	}
}

func (s *Store) Insert(_ context.Context, rec *ledger.CertificateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.SerialNumber]; ok {
		return ledger.ErrDuplicateSerial
	}
	s.records[rec.SerialNumber] = rec.Clone()
	return nil
}

func (s *Store) GetBySerial(_ context.Context, serial string) (*ledger.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[serial]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) MarkRevoked(_ context.Context, serial string, rev ledger.Revocation) (*ledger.CertificateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[serial]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	if rec.Status == ledger.StatusRevoked {
		return nil, ledger.ErrAlreadyRevoked
	}
	rec.Status = ledger.StatusRevoked
	reason := rev.ReasonCode
	rec.ReasonCode = &reason
	rec.RevokedBy = rev.RevokedBy
	revokedAt := rev.RevokedAt
	rec.RevokedAt = &revokedAt
	rec.InvalidityDate = rev.InvalidityDate
	rec.Comment = rev.Comment
	rec.CRLNumber = rev.CRLNumber
	return rec.Clone(), nil
}

func (s *Store) ListIssuedByOwner(_ context.Context, owner string) ([]*ledger.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.CertificateRecord
	for _, rec := range s.records {
		if rec.Owner == owner && rec.Status == ledger.StatusIssued {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func matches(rec *ledger.CertificateRecord, q ledger.ListQuery) bool {
	if q.Status != nil && rec.Status != *q.Status {
		return false
	}
	if q.Engine != nil && rec.Engine != *q.Engine {
		return false
	}
	if q.InstanceID != "" && rec.InstanceID != q.InstanceID {
		return false
	}
	if q.Generation != nil && rec.Generation != *q.Generation {
		return false
	}
	if q.Owner != "" && rec.Owner != q.Owner {
		return false
	}
	if q.SerialNumber != "" && !strings.Contains(rec.SerialNumber, q.SerialNumber) {
		return false
	}
	if q.RevokedBy != "" && !strings.Contains(rec.RevokedBy, q.RevokedBy) {
		return false
	}
	return true
}

// sortValue projects the allow-listed sort field out of a record as a
// comparable string. Times use RFC 3339 so lexical order matches time order.
func sortValue(rec *ledger.CertificateRecord, field string) string {
	switch field {
	case "serial_number":
		return rec.SerialNumber
	case "owner":
		return rec.Owner
	case "status":
		return string(rec.Status)
	case "engine":
		return string(rec.Engine)
	case "issued_at":
		return rec.IssuedAt.UTC().Format(time.RFC3339Nano)
	case "valid_to":
		if rec.ValidTo == nil {
			return ""
		}
		return rec.ValidTo.UTC().Format(time.RFC3339Nano)
	case "revoked_at":
		if rec.RevokedAt == nil {
			return ""
		}
		return rec.RevokedAt.UTC().Format(time.RFC3339Nano)
	case "reason_code":
		if rec.ReasonCode == nil {
			return ""
		}
		return fmt.Sprintf("%02d", int(*rec.ReasonCode))
	}
	return ""
}

func (s *Store) List(_ context.Context, q ledger.ListQuery) ([]*ledger.CertificateRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*ledger.CertificateRecord
	for _, rec := range s.records {
		if matches(rec, q) {
			filtered = append(filtered, rec.Clone())
		}
	}

	if q.SortBy != "" {
		sort.SliceStable(filtered, func(i, j int) bool {
			a, b := sortValue(filtered[i], q.SortBy), sortValue(filtered[j], q.SortBy)
			if q.SortDesc {
				return a > b
			}
			return a < b
		})
	} else {
		// Default order: revoked_at desc, issued_at desc.
		sort.SliceStable(filtered, func(i, j int) bool {
			a, b := filtered[i], filtered[j]
			at, bt := timeOrZero(a.RevokedAt), timeOrZero(b.RevokedAt)
			if !at.Equal(bt) {
				return at.After(bt)
			}
			return a.IssuedAt.After(b.IssuedAt)
		})
	}

	total := len(filtered)
	start := q.Offset
	if start > total {
		start = total
	}
	end := start + q.Limit
	if q.Limit <= 0 || end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func (s *Store) ListRevoked(_ context.Context, scope ledger.Scope) ([]*ledger.CertificateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ledger.CertificateRecord
	for _, rec := range s.records {
		if rec.Status != ledger.StatusRevoked {
			continue
		}
		if !scopeMatches(rec, scope) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out, nil
}

func scopeMatches(rec *ledger.CertificateRecord, scope ledger.Scope) bool {
	if scope.InstanceID != "" && rec.InstanceID != scope.InstanceID {
		return false
	}
	if scope.Generation != 0 && rec.Generation != scope.Generation {
		return false
	}
	if scope.Engine != "" && rec.Engine != scope.Engine {
		return false
	}
	return true
}

func (s *Store) CountByStatus(_ context.Context) (map[ledger.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[ledger.Status]int)
	for _, rec := range s.records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *Store) CountByReason(_ context.Context) (map[ledger.ReasonCode]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[ledger.ReasonCode]int)
	for _, rec := range s.records {
		if rec.Status == ledger.StatusRevoked && rec.ReasonCode != nil {
			counts[*rec.ReasonCode]++
		}
	}
	return counts, nil
}

func counterKey(scope ledger.Scope) string {
	return fmt.Sprintf("%s|%d|%s", scope.InstanceID, scope.Generation, scope.Engine)
}

// NextCRLNumber hands out the scope's next CRL number under the write lock,
// so concurrent callers are serialized and never receive the same number.
// The counter is seeded from the maximum number already assigned to the
// scope's records, making the first number 0 on an empty scope.
func (s *Store) NextCRLNumber(_ context.Context, scope ledger.Scope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey(scope)
	next, ok := s.counters[key]
	if !ok {
		for _, rec := range s.records {
			if rec.InstanceID != scope.InstanceID || rec.Generation != scope.Generation || rec.Engine != scope.Engine {
				continue
			}
			if rec.CRLNumber != nil && *rec.CRLNumber+1 > next {
				next = *rec.CRLNumber + 1
			}
		}
	}
	s.counters[key] = next + 1
	return next, nil
}

func (s *Store) SetCRLNumber(_ context.Context, serials []string, number int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, serial := range serials {
		if rec, ok := s.records[serial]; ok {
			n := number
			rec.CRLNumber = &n
		}
	}
	return nil
}

func (s *Store) DeleteExpiredBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for serial, rec := range s.records {
		if rec.ValidTo != nil && rec.ValidTo.Before(before) {
			delete(s.records, serial)
			deleted++
		}
	}
	return deleted, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
