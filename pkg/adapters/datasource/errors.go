package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	mssql "github.com/microsoft/go-mssqldb"
)

// Failure reason categories reported back to the requester after a
// connection test or sync attempt.
const (
	ReasonUnreachable     = "unreachable"
	ReasonAuth            = "auth"
	ReasonUnknownDatabase = "unknown_database"
	ReasonMissingTable    = "missing_table"
	ReasonMissingColumn   = "missing_column"
	ReasonTimeout         = "timeout"
	ReasonUnknown         = "unknown"
)

// Reason is a classified connection failure with an actionable hint.
// The hint never contains credentials.
type Reason struct {
	Category string `json:"category"`
	Hint     string `json:"hint"`
}

// MissingColumnError marks a test failure on a specific configured column,
// so the hint can name it.
type MissingColumnError struct {
	Column string
	Err    error
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("column %q not found: %v", e.Column, e.Err)
}

func (e *MissingColumnError) Unwrap() error { return e.Err }

// MissingTableError marks a test failure on the configured table.
type MissingTableError struct {
	Table string
	Err   error
}

func (e *MissingTableError) Error() string {
	return fmt.Sprintf("table %q not found: %v", e.Table, e.Err)
}

func (e *MissingTableError) Unwrap() error { return e.Err }

// Classify maps a connection or probe error to a failure reason. Driver
// error codes are checked first; string patterns are the fallback for
// errors the drivers wrap opaquely.
func Classify(err error, port int) Reason {
	if err == nil {
		return Reason{}
	}

	var colErr *MissingColumnError
	if errors.As(err, &colErr) {
		return Reason{
			Category: ReasonMissingColumn,
			Hint:     fmt.Sprintf("column %q does not exist; check the configured content and filename columns", colErr.Column),
		}
	}
	var tblErr *MissingTableError
	if errors.As(err, &tblErr) {
		return Reason{
			Category: ReasonMissingTable,
			Hint:     fmt.Sprintf("table %q does not exist; check the configured table name", tblErr.Table),
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Reason{
			Category: ReasonTimeout,
			Hint:     "the database did not respond in time; check host, port, and firewall rules",
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28P01", "28000":
			return Reason{Category: ReasonAuth, Hint: "authentication failed; check the username and password"}
		case "3D000":
			return Reason{Category: ReasonUnknownDatabase, Hint: "the database does not exist on this server; check the database name"}
		case "42P01":
			return Reason{Category: ReasonMissingTable, Hint: "the configured table does not exist; check the table name"}
		case "42703":
			return Reason{Category: ReasonMissingColumn, Hint: "a configured column does not exist; check the column names"}
		}
	}

	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Number {
		case 18456:
			return Reason{Category: ReasonAuth, Hint: "login failed; check the username and password"}
		case 4060:
			return Reason{Category: ReasonUnknownDatabase, Hint: "the database does not exist or access is denied; check the database name"}
		case 208:
			return Reason{Category: ReasonMissingTable, Hint: "the configured table does not exist; check the table name"}
		case 207:
			return Reason{Category: ReasonMissingColumn, Hint: "a configured column does not exist; check the column names"}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Reason{
				Category: ReasonTimeout,
				Hint:     "the database did not respond in time; check host, port, and firewall rules",
			}
		}
		return Reason{
			Category: ReasonUnreachable,
			Hint:     fmt.Sprintf("could not reach the server; check the host, and firewall rules for port %d", port),
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"), strings.Contains(msg, "network is unreachable"):
		return Reason{
			Category: ReasonUnreachable,
			Hint:     fmt.Sprintf("could not reach the server; check the host, and firewall rules for port %d", port),
		}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Reason{
			Category: ReasonTimeout,
			Hint:     "the database did not respond in time; check host, port, and firewall rules",
		}
	case strings.Contains(msg, "password authentication failed"), strings.Contains(msg, "login failed"):
		return Reason{Category: ReasonAuth, Hint: "authentication failed; check the username and password"}
	case strings.Contains(msg, "does not exist") && strings.Contains(msg, "database"):
		return Reason{Category: ReasonUnknownDatabase, Hint: "the database does not exist on this server; check the database name"}
	}

	return Reason{Category: ReasonUnknown, Hint: "the connection failed for an unrecognized reason; see the error detail"}
}
