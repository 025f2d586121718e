package mssql

import (
	"context"
	"errors"
	"strings"

	mssqldb "github.com/microsoft/go-mssqldb"

	"github.com/quarryhq/quarry/internal/dberr"
)

// SQL Server error numbers relevant to classification.
// Full list: https://learn.microsoft.com/sql/relational-databases/errors-events/
const (
	errLoginFailed     = 18456
	errServiceBusy     = 40501 // service is busy, retry later
	errDatabaseMoved   = 40613 // database unavailable, likely failover
	errServiceError    = 40197 // service error processing request
	errGovernanceLow   = 49918 // resource governance range start
	errGovernanceHigh  = 49920 // resource governance range end
	sqlstateAuthFailed = "28000"
)

func isTransientNumber(n int32) bool {
	switch n {
	case errServiceBusy, errDatabaseMoved, errServiceError:
		return true
	}
	return n >= errGovernanceLow && n <= errGovernanceHigh
}

// mapError converts a native SQL Server driver error into a *dberr.Error.
// Classification prefers the server error number, then falls back to the
// message text. Errors already classified pass through unchanged.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var classified *dberr.Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return dberr.Wrap(dberr.KindTimeout, msg, err)
	}

	text := err.Error()
	low := strings.ToLower(text)

	var se mssqldb.Error
	if errors.As(err, &se) {
		switch {
		case se.Number == errLoginFailed:
			return dberr.Wrap(dberr.KindAuth, msg, err)
		case isTransientNumber(se.Number):
			return dberr.Wrap(dberr.KindTransient, msg, err)
		}
	}

	switch {
	// Authentication signals: SQLSTATE 28000, login rejections, federated
	// provider failures.
	case strings.Contains(text, sqlstateAuthFailed) ||
		strings.Contains(low, "login failed") ||
		strings.Contains(low, "login error") ||
		strings.Contains(text, "18456") ||
		strings.Contains(text, "FA004"):
		return dberr.Wrap(dberr.KindAuth, msg, err)
	case strings.Contains(low, "permission") || strings.Contains(low, "is not authorized"):
		return dberr.Wrap(dberr.KindPermission, msg, err)
	case strings.Contains(low, "cannot open database") || strings.Contains(low, "does not exist"):
		return dberr.Wrap(dberr.KindNotFound, msg, err)
	case strings.Contains(low, "temporarily unavailable") || strings.Contains(low, "service is busy"):
		return dberr.Wrap(dberr.KindTransient, msg, err)
	case strings.Contains(low, "timeout") || strings.Contains(low, "timed out"):
		return dberr.Wrap(dberr.KindTimeout, msg, err)
	default:
		return dberr.Wrap(dberr.KindOperational, msg, err)
	}
}
