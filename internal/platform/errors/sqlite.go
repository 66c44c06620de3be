package errors

// SQLite-specific helpers for mapping driver errors to project ErrorCode and retry semantics

import (
	"context"
	stderrs "errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
)

// SQLite primary and extended result codes we care about
const (
	sqliteErrBusy                = 5    // SQLITE_BUSY
	sqliteErrLocked              = 6    // SQLITE_LOCKED
	sqliteErrIOErr               = 10   // SQLITE_IOERR
	sqliteErrCorrupt             = 11   // SQLITE_CORRUPT
	sqliteErrFull                = 13   // SQLITE_FULL
	sqliteErrCantOpen            = 14   // SQLITE_CANTOPEN
	sqliteErrProtocol            = 15   // SQLITE_PROTOCOL
	sqliteErrConstraint          = 19   // SQLITE_CONSTRAINT
	sqliteErrBusySnapshot        = 517  // SQLITE_BUSY_SNAPSHOT
	sqliteErrConstraintCheck     = 275  // SQLITE_CONSTRAINT_CHECK
	sqliteErrConstraintFK        = 787  // SQLITE_CONSTRAINT_FOREIGNKEY
	sqliteErrConstraintNotNull   = 1299 // SQLITE_CONSTRAINT_NOTNULL
	sqliteErrConstraintPrimary   = 1555 // SQLITE_CONSTRAINT_PRIMARYKEY
	sqliteErrConstraintUnique    = 2067 // SQLITE_CONSTRAINT_UNIQUE
	sqliteErrConstraintRowID     = 2579 // SQLITE_CONSTRAINT_ROWID
	sqliteErrLockedSharedCache   = 262  // SQLITE_LOCKED_SHAREDCACHE
	sqliteErrCantOpenNoTempDir   = 4110 // SQLITE_CANTOPEN_NOTEMPDIR
	sqliteErrIOErrShortRead      = 522  // SQLITE_IOERR_SHORT_READ
	sqliteErrAbortRollback       = 516  // SQLITE_ABORT_ROLLBACK
)

// ExtractSQLiteError returns (*sqlite.Error, true) if the root cause is a driver error
func ExtractSQLiteError(err error) (*sqlite.Error, bool) {
	var se *sqlite.Error
	if stderrs.As(Root(err), &se) {
		return se, true
	}
	return nil, false
}

// IsSQLiteCode reports whether the error carries the given SQLite result code
// Matches on the extended code and on its primary (low byte) form
func IsSQLiteCode(err error, code int) bool {
	se, ok := ExtractSQLiteError(err)
	if !ok {
		return false
	}
	return se.Code() == code || se.Code()&0xff == code
}

// Human-friendly predicates for common classes.

// IsDuplicateKey reports whether the error is a unique or primary key violation
func IsDuplicateKey(err error) bool {
	se, ok := ExtractSQLiteError(err)
	if !ok {
		return false
	}
	switch se.Code() {
	case sqliteErrConstraintUnique, sqliteErrConstraintPrimary, sqliteErrConstraintRowID:
		return true
	}
	return false
}

// IsBusy reports whether the database was locked by another writer
func IsBusy(err error) bool {
	return IsSQLiteCode(err, sqliteErrBusy) || IsSQLiteCode(err, sqliteErrLocked)
}

// IsConstraintViolation reports whether the error is any constraint failure
func IsConstraintViolation(err error) bool { return IsSQLiteCode(err, sqliteErrConstraint) }

// DBErrorCode maps a SQLite driver error to an ErrorCode with an ok flag
// !ok means err wasn't a driver error; caller may fall back to generic handling
func DBErrorCode(err error) (ErrorCode, bool) {
	se, ok := ExtractSQLiteError(err)
	if !ok {
		return ErrorCodeUnknown, false
	}

	switch se.Code() {
	case sqliteErrConstraintUnique, sqliteErrConstraintPrimary, sqliteErrConstraintRowID:
		return ErrorCodeDuplicateKey, true

	case sqliteErrConstraintFK:
		// Input referenced a missing row: classify as invalid input
		return ErrorCodeInvalidArgument, true

	case sqliteErrConstraintNotNull, sqliteErrConstraintCheck:
		return ErrorCodeValidation, true
	}

	switch se.Code() & 0xff {
	case sqliteErrBusy, sqliteErrLocked, sqliteErrProtocol:
		// Retryable writer contention
		return ErrorCodeDB, true

	case sqliteErrIOErr, sqliteErrFull, sqliteErrCantOpen:
		// Transient/unavailable storage
		return ErrorCodeUnavailable, true

	case sqliteErrCorrupt:
		return ErrorCodeDB, true
	}

	// Default: still a DB error
	return ErrorCodeDB, true
}

// FromSQLite wraps a driver error with a mapped ErrorCode and message.
// If err is nil, returns nil
func FromSQLite(err error, msg string) error {
	if err == nil {
		return nil
	}
	if code, ok := DBErrorCode(err); ok {
		return Wrap(err, code, msg)
	}
	return Wrap(err, ErrorCodeDB, msg)
}

// FromSQLitef is the formatted variant of FromSQLite
func FromSQLitef(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	if code, ok := DBErrorCode(err); ok {
		return Wrap(err, code, fmt.Sprintf(format, a...))
	}
	return Wrap(err, ErrorCodeDB, fmt.Sprintf(format, a...))
}

// IsRetryable reports whether a database error represents a transient condition
// worth retrying. It handles both structured *sqlite.Error codes and the
// generic driver text seen on commit under writer contention
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Do not retry local cancellations/timeouts; let the caller decide higher-level retries
	if stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Unwrap to the root cause so we can see either the driver error or commit text
	root := Root(err)

	// Structured SQLite errors by result code
	var se *sqlite.Error
	if stderrs.As(root, &se) {
		switch se.Code() {
		case sqliteErrBusySnapshot, sqliteErrLockedSharedCache, sqliteErrAbortRollback:
			return true
		}
		switch se.Code() & 0xff {
		case sqliteErrBusy, sqliteErrLocked:
			return true
		default:
			return false
		}
	}

	// Fallback: text patterns emitted by the driver on lock/timeout cases
	s := strings.ToLower(root.Error())
	switch {
	case strings.Contains(s, "database is locked"),
		strings.Contains(s, "database table is locked"),
		strings.Contains(s, "cannot start a transaction within a transaction"),
		strings.Contains(s, "database schema has changed"):
		return true
	default:
		return false
	}
}
