package ledger

import "errors"

var (
	// ErrNotFound is returned when no certificate with the given serial
	// number exists in the ledger.
	ErrNotFound = errors.New("certificate not found")

	// ErrDuplicateSerial is returned by Create when the serial number is
	// already present. Serial numbers are unique system-wide.
	ErrDuplicateSerial = errors.New("serial number already exists")

	// ErrAlreadyRevoked is returned when revoking a certificate that is
	// already revoked. Revocation metadata is immutable once set, so the
	// second call is rejected rather than silently accepted.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrInvalidArgument is wrapped by parse and validation failures:
	// malformed serials, out-of-range or reserved reason codes, and
	// unrecognized engine or status strings.
	ErrInvalidArgument = errors.New("invalid argument")
)
