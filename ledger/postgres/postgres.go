// Package postgres implements ledger.Store backed by PostgreSQL.
//
// The certificates table mirrors the ledger.CertificateRecord shape with one
// row per certificate; the crl_counters table holds one row per
// (instance_id, generation, engine) scope and is the serialization point for
// CRL-number assignment. Both the revocation check-and-set and the counter
// increment are single statements, so two concurrent writers can never both
// succeed on the same serial or receive the same number.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/libresign/certledger/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const certColumns = `id, serial_number, owner, status, reason_code, revoked_by,
	revoked_at, invalidity_date, comment, crl_number, issued_at, valid_to,
	engine, instance_id, generation`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ledger.CertificateRecord, error) {
	var (
		rec    ledger.CertificateRecord
		reason *int
		status string
		engine string
	)
	err := row.Scan(
		&rec.ID, &rec.SerialNumber, &rec.Owner, &status, &reason, &rec.RevokedBy,
		&rec.RevokedAt, &rec.InvalidityDate, &rec.Comment, &rec.CRLNumber,
		&rec.IssuedAt, &rec.ValidTo, &engine, &rec.InstanceID, &rec.Generation,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = ledger.Status(status)
	rec.Engine = ledger.Engine(engine)
	if reason != nil {
		rc := ledger.ReasonCode(*reason)
		rec.ReasonCode = &rc
	}
	return &rec, nil
}

func reasonPtr(rec *ledger.CertificateRecord) *int {
	if rec.ReasonCode == nil {
		return nil
	}
	n := int(*rec.ReasonCode)
	return &n
}

// ---------------------------------------------------------------------------
// Ledger writes
// ---------------------------------------------------------------------------

func (s *Store) Insert(ctx context.Context, rec *ledger.CertificateRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO certificates (id, serial_number, owner, status, reason_code,
		     revoked_by, revoked_at, invalidity_date, comment, crl_number,
		     issued_at, valid_to, engine, instance_id, generation)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.SerialNumber, rec.Owner, string(rec.Status), reasonPtr(rec),
		rec.RevokedBy, rec.RevokedAt, rec.InvalidityDate, rec.Comment, rec.CRLNumber,
		rec.IssuedAt, rec.ValidTo, string(rec.Engine), rec.InstanceID, rec.Generation)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", rec.SerialNumber, ledger.ErrDuplicateSerial)
	}
	return err
}

func (s *Store) GetBySerial(ctx context.Context, serial string) (*ledger.CertificateRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE serial_number = $1`, serial)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", serial, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkRevoked performs the issued -> revoked transition as a conditional
// UPDATE, so the status check-and-set happens in one statement. When no row
// comes back, a follow-up read distinguishes an unknown serial from a lost
// race against another revoker.
func (s *Store) MarkRevoked(ctx context.Context, serial string, rev ledger.Revocation) (*ledger.CertificateRecord, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE certificates
		 SET status = $2, reason_code = $3, revoked_by = $4, revoked_at = $5,
		     invalidity_date = $6, comment = $7,
		     crl_number = COALESCE($8, crl_number)
		 WHERE serial_number = $1 AND status = $9
		 RETURNING `+certColumns,
		serial, string(ledger.StatusRevoked), int(rev.ReasonCode), rev.RevokedBy,
		rev.RevokedAt, rev.InvalidityDate, rev.Comment, rev.CRLNumber,
		string(ledger.StatusIssued))

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetBySerial(ctx, serial); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%s: %w", serial, ledger.ErrAlreadyRevoked)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Ledger reads
// ---------------------------------------------------------------------------

func (s *Store) ListIssuedByOwner(ctx context.Context, owner string) ([]*ledger.CertificateRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE owner = $1 AND status = $2
		 ORDER BY issued_at DESC`,
		owner, string(ledger.StatusIssued))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// sortColumns maps allow-listed sort fields to their columns. The query
// layer never sees caller-supplied sort input directly.
var sortColumns = map[string]string{
	"serial_number": "serial_number",
	"owner":         "owner",
	"status":        "status",
	"engine":        "engine",
	"issued_at":     "issued_at",
	"valid_to":      "valid_to",
	"revoked_at":    "revoked_at",
	"reason_code":   "reason_code",
}

func buildFilter(q ledger.ListQuery) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if q.Status != nil {
		add("status = $%d", string(*q.Status))
	}
	if q.Engine != nil {
		add("engine = $%d", string(*q.Engine))
	}
	if q.InstanceID != "" {
		add("instance_id = $%d", q.InstanceID)
	}
	if q.Generation != nil {
		add("generation = $%d", *q.Generation)
	}
	if q.Owner != "" {
		add("owner = $%d", q.Owner)
	}
	if q.SerialNumber != "" {
		add("serial_number LIKE $%d", "%"+escapeLike(q.SerialNumber)+"%")
	}
	if q.RevokedBy != "" {
		add("revoked_by LIKE $%d", "%"+escapeLike(q.RevokedBy)+"%")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func orderClause(q ledger.ListQuery) string {
	if col, ok := sortColumns[q.SortBy]; ok {
		dir := "ASC"
		if q.SortDesc {
			dir = "DESC"
		}
		return fmt.Sprintf(" ORDER BY %s %s NULLS LAST", col, dir)
	}
	return " ORDER BY revoked_at DESC NULLS LAST, issued_at DESC"
}

func (s *Store) List(ctx context.Context, q ledger.ListQuery) ([]*ledger.CertificateRecord, int, error) {
	where, args := buildFilter(q)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM certificates`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + certColumns + ` FROM certificates` + where + orderClause(q)
	args = append(args, q.Limit, q.Offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *Store) ListRevoked(ctx context.Context, scope ledger.Scope) ([]*ledger.CertificateRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+certColumns+` FROM certificates
		 WHERE status = $1
		   AND ($2 = '' OR instance_id = $2)
		   AND ($3 = 0 OR generation = $3)
		   AND ($4 = '' OR engine = $4)
		 ORDER BY serial_number`,
		string(ledger.StatusRevoked), scope.InstanceID, scope.Generation, string(scope.Engine))
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*ledger.CertificateRecord, error) {
	defer rows.Close()
	var recs []*ledger.CertificateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[ledger.Status]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM certificates GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ledger.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[ledger.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) CountByReason(ctx context.Context) (map[ledger.ReasonCode]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT reason_code, COUNT(*) FROM certificates
		 WHERE status = $1 AND reason_code IS NOT NULL
		 GROUP BY reason_code`,
		string(ledger.StatusRevoked))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[ledger.ReasonCode]int)
	for rows.Next() {
		var (
			reason int
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[ledger.ReasonCode(reason)] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// CRL number sequencer
// ---------------------------------------------------------------------------

// NextCRLNumber assigns the scope's next CRL number with a single upsert.
// The ON CONFLICT branch takes a row lock on the scope's counter, so
// concurrent generations for the same scope are serialized by the database
// and the returned numbers form a contiguous increasing run. The first call
// for a scope seeds the counter from the maximum crl_number already stamped
// onto its certificates, so pre-counter deployments keep their numbering.
func (s *Store) NextCRLNumber(ctx context.Context, scope ledger.Scope) (int64, error) {
	var number int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO crl_counters (instance_id, generation, engine, last_number)
		 VALUES ($1, $2, $3,
		     COALESCE((SELECT MAX(crl_number) FROM certificates
		               WHERE instance_id = $1 AND generation = $2 AND engine = $3), -1) + 1)
		 ON CONFLICT (instance_id, generation, engine)
		 DO UPDATE SET last_number = crl_counters.last_number + 1
		 RETURNING last_number`,
		scope.InstanceID, scope.Generation, string(scope.Engine)).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("assigning CRL number: %w", err)
	}
	return number, nil
}

func (s *Store) SetCRLNumber(ctx context.Context, serials []string, number int64) error {
	if len(serials) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE certificates SET crl_number = $1 WHERE serial_number = ANY($2)`,
		number, serials)
	return err
}

// ---------------------------------------------------------------------------
// Retention sweeper
// ---------------------------------------------------------------------------

func (s *Store) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM certificates WHERE valid_to IS NOT NULL AND valid_to < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
