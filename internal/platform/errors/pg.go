package errors

import (
	stderrs "errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATEs the pipeline treats specially
const (
	sqlQueryCanceled     = "57014"
	sqlCannotConnectNow  = "57P03"
	sqlAdminShutdown     = "57P01"
	sqlReadOnlyTx        = "25006"
	sqlUndefinedTable    = "42P01"
	sqlUndefinedColumn   = "42703"
	sqlInsufficientGrant = "42501"
	sqlClassConnection   = "08"
)

func pgError(err error) (*pgconn.PgError, bool) {
	var pe *pgconn.PgError
	ok := stderrs.As(err, &pe)
	return pe, ok
}

// IsStatementTimeout reports a statement the server canceled, usually statement_timeout
func IsStatementTimeout(err error) bool {
	pe, ok := pgError(err)
	return ok && pe.Code == sqlQueryCanceled
}

// IsConnectivity reports a store that could not be reached or dropped the
// connection: dial failures, socket errors and SQLSTATE class 08
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	var ce *pgconn.ConnectError
	var ne net.Error
	if stderrs.As(err, &ce) || stderrs.As(err, &ne) {
		return true
	}
	if pe, ok := pgError(err); ok {
		return strings.HasPrefix(pe.Code, sqlClassConnection) ||
			pe.Code == sqlCannotConnectNow || pe.Code == sqlAdminShutdown
	}
	return pgconn.SafeToRetry(err)
}

// pgCode picks a code for a server side error
func pgCode(pe *pgconn.PgError) ErrorCode {
	switch {
	case pe.Code == sqlUndefinedTable, pe.Code == sqlUndefinedColumn, pe.Code == sqlInsufficientGrant:
		return ErrorCodeConfig
	case pe.Code == sqlReadOnlyTx, pe.Code == sqlCannotConnectNow, pe.Code == sqlAdminShutdown,
		strings.HasPrefix(pe.Code, sqlClassConnection):
		return ErrorCodeUnavailable
	default:
		return ErrorCodeDB
	}
}

// FromStore codes a raw store error. Errors that already carry a code pass
// through. Connectivity becomes Unavailable, schema and grant problems Config,
// anything else DB
func FromStore(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrs.As(err, &e) {
		return err
	}
	if IsConnectivity(err) {
		return Wrap(err, ErrorCodeUnavailable, msg)
	}
	if pe, ok := pgError(err); ok {
		return Wrap(err, pgCode(pe), msg)
	}
	return Wrap(err, ErrorCodeDB, msg)
}
