package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/smallbiznis/tenantcore/pkg/corerr"
	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if hasPGCode(err, "23505") || strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsConnectTimeout reports whether err means a new connection could not be established in time.
// A context deadline alone is a statement timeout, not a connect timeout.
func IsConnectTimeout(err error) bool {
	if err == nil {
		return false
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// IsStatementTimeout reports a statement cancelled by its deadline or by the server.
func IsStatementTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// query_canceled
	return hasPGCode(err, "57014")
}

// ClassifyConnectErr tags connection failures so callers can tell them apart from query failures.
func ClassifyConnectErr(err error) error {
	if err == nil {
		return nil
	}
	if IsConnectTimeout(err) {
		return corerr.E(corerr.ConnectTimeout, "db.connect", err)
	}
	return corerr.E(corerr.UpstreamUnavailable, "db.connect", err)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
