// Package sqlite implements ledger.Store backed by SQLite, for single-node
// deployments that do not want to run PostgreSQL. Requires SQLite 3.35+ for
// the RETURNING clause used by the CRL-number counter.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/libresign/certledger/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
    id              TEXT PRIMARY KEY,
    serial_number   TEXT NOT NULL UNIQUE,
    owner           TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    reason_code     INTEGER,
    revoked_by      TEXT NOT NULL DEFAULT '',
    revoked_at      DATETIME,
    invalidity_date DATETIME,
    comment         TEXT NOT NULL DEFAULT '',
    crl_number      INTEGER,
    issued_at       DATETIME NOT NULL,
    valid_to        DATETIME,
    engine          TEXT NOT NULL,
    instance_id     TEXT NOT NULL DEFAULT '',
    generation      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_certificates_owner_status ON certificates (owner, status);
CREATE INDEX IF NOT EXISTS idx_certificates_status_scope ON certificates (status, instance_id, generation, engine);

CREATE TABLE IF NOT EXISTS crl_counters (
    instance_id TEXT    NOT NULL,
    generation  INTEGER NOT NULL,
    engine      TEXT    NOT NULL,
    last_number INTEGER NOT NULL,
    PRIMARY KEY (instance_id, generation, engine)
);
`

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sqlx.DB
}

var _ ledger.Store = (*Store)(nil)

// Open opens (or creates) the database at path, ensures the schema exists,
// and returns a new Store. Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// from in-process contention and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const certColumns = `id, serial_number, owner, status, reason_code, revoked_by,
	revoked_at, invalidity_date, comment, crl_number, issued_at, valid_to,
	engine, instance_id, generation`

func (s *Store) Insert(ctx context.Context, rec *ledger.CertificateRecord) error {
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO certificates (id, serial_number, owner, status, reason_code,
		     revoked_by, revoked_at, invalidity_date, comment, crl_number,
		     issued_at, valid_to, engine, instance_id, generation)
		 VALUES (:id, :serial_number, :owner, :status, :reason_code,
		     :revoked_by, :revoked_at, :invalidity_date, :comment, :crl_number,
		     :issued_at, :valid_to, :engine, :instance_id, :generation)`,
		rec)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%s: %w", rec.SerialNumber, ledger.ErrDuplicateSerial)
	}
	return err
}

func (s *Store) GetBySerial(ctx context.Context, serial string) (*ledger.CertificateRecord, error) {
	var rec ledger.CertificateRecord
	err := s.db.GetContext(ctx, &rec,
		`SELECT `+certColumns+` FROM certificates WHERE serial_number = ?`, serial)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", serial, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) MarkRevoked(ctx context.Context, serial string, rev ledger.Revocation) (*ledger.CertificateRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE certificates
		 SET status = ?, reason_code = ?, revoked_by = ?, revoked_at = ?,
		     invalidity_date = ?, comment = ?,
		     crl_number = COALESCE(?, crl_number)
		 WHERE serial_number = ? AND status = ?`,
		string(ledger.StatusRevoked), int(rev.ReasonCode), rev.RevokedBy, rev.RevokedAt,
		rev.InvalidityDate, rev.Comment, rev.CRLNumber,
		serial, string(ledger.StatusIssued))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, getErr := s.GetBySerial(ctx, serial); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%s: %w", serial, ledger.ErrAlreadyRevoked)
	}
	return s.GetBySerial(ctx, serial)
}

func (s *Store) ListIssuedByOwner(ctx context.Context, owner string) ([]*ledger.CertificateRecord, error) {
	var recs []*ledger.CertificateRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT `+certColumns+` FROM certificates
		 WHERE owner = ? AND status = ?
		 ORDER BY issued_at DESC`,
		owner, string(ledger.StatusIssued))
	return recs, err
}

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
	if q.Status != nil {
		clauses = append(clauses, "status = ?")
		args = append(args, string(*q.Status))
	}
	if q.Engine != nil {
		clauses = append(clauses, "engine = ?")
		args = append(args, string(*q.Engine))
	}
	if q.InstanceID != "" {
		clauses = append(clauses, "instance_id = ?")
		args = append(args, q.InstanceID)
	}
	if q.Generation != nil {
		clauses = append(clauses, "generation = ?")
		args = append(args, *q.Generation)
	}
	if q.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, q.Owner)
	}
	if q.SerialNumber != "" {
		clauses = append(clauses, `serial_number LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.SerialNumber)+"%")
	}
	if q.RevokedBy != "" {
		clauses = append(clauses, `revoked_by LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(q.RevokedBy)+"%")
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
		return fmt.Sprintf(" ORDER BY %s %s", col, dir)
	}
	return " ORDER BY revoked_at DESC, issued_at DESC"
}

func (s *Store) List(ctx context.Context, q ledger.ListQuery) ([]*ledger.CertificateRecord, int, error) {
	where, args := buildFilter(q)

	var total int
	if err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM certificates`+where, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + certColumns + ` FROM certificates` + where + orderClause(q) +
		` LIMIT ? OFFSET ?`
	args = append(args, q.Limit, q.Offset)

	var recs []*ledger.CertificateRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (s *Store) ListRevoked(ctx context.Context, scope ledger.Scope) ([]*ledger.CertificateRecord, error) {
	var recs []*ledger.CertificateRecord
	err := s.db.SelectContext(ctx, &recs,
		`SELECT `+certColumns+` FROM certificates
		 WHERE status = ?
		   AND (? = '' OR instance_id = ?)
		   AND (? = 0 OR generation = ?)
		   AND (? = '' OR engine = ?)
		 ORDER BY serial_number`,
		string(ledger.StatusRevoked),
		scope.InstanceID, scope.InstanceID,
		scope.Generation, scope.Generation,
		string(scope.Engine), string(scope.Engine))
	return recs, err
}

func (s *Store) CountByStatus(ctx context.Context) (map[ledger.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason_code, COUNT(*) FROM certificates
		 WHERE status = ? AND reason_code IS NOT NULL
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

// NextCRLNumber assigns the scope's next CRL number with a single upsert.
// SQLite serializes writers, so the read-modify-write inside the statement
// cannot interleave with another caller's. The first call for a scope seeds
// the counter from the maximum crl_number already stamped onto its
// certificates.
func (s *Store) NextCRLNumber(ctx context.Context, scope ledger.Scope) (int64, error) {
	var number int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO crl_counters (instance_id, generation, engine, last_number)
		 VALUES (?, ?, ?,
		     COALESCE((SELECT MAX(crl_number) FROM certificates
		               WHERE instance_id = ? AND generation = ? AND engine = ?), -1) + 1)
		 ON CONFLICT (instance_id, generation, engine)
		 DO UPDATE SET last_number = last_number + 1
		 RETURNING last_number`,
		scope.InstanceID, scope.Generation, string(scope.Engine),
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
	query, args, err := sqlx.In(
		`UPDATE certificates SET crl_number = ? WHERE serial_number IN (?)`,
		number, serials)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	return err
}

func (s *Store) DeleteExpiredBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM certificates WHERE valid_to IS NOT NULL AND valid_to < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
