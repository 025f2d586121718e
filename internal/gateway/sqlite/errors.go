package sqlite

import (
	"context"
	"errors"
	"strings"

	sqlite3 "modernc.org/sqlite"

	"github.com/quarryhq/quarry/internal/dberr"
)

// SQLite primary result codes relevant to classification.
// Full list: https://www.sqlite.org/rescode.html
const (
	codeError      = 1  // SQL error or missing database
	codeBusy       = 5  // database file is locked by another connection
	codeLocked     = 6  // a table in the database is locked
	codeConstraint = 19 // constraint violation (unique, FK, not null, ...)
)

// mapError converts a native SQLite driver error into a *dberr.Error.
// Errors already classified pass through unchanged.
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

	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff { // primary code; extended codes share the low byte
		case codeBusy, codeLocked:
			return dberr.Wrap(dberr.KindTransient, msg, err)
		case codeConstraint:
			return dberr.Wrap(dberr.KindConflict, msg, err)
		case codeError:
			return classifyMessage(low, msg, err)
		}
		return dberr.Wrap(dberr.KindOperational, msg, err)
	}

	return classifyMessage(low, msg, err)
}

// classifyMessage falls back to the driver's message text for errors that
// arrive without a usable result code.
func classifyMessage(low, msg string, err error) error {
	switch {
	case strings.Contains(low, "no such table") ||
		strings.Contains(low, "no such column") ||
		strings.Contains(low, "no such index"):
		return dberr.Wrap(dberr.KindNotFound, msg, err)
	case strings.Contains(low, "database is locked") || strings.Contains(low, "database table is locked"):
		return dberr.Wrap(dberr.KindTransient, msg, err)
	case strings.Contains(low, "unique constraint") || strings.Contains(low, "foreign key constraint"):
		return dberr.Wrap(dberr.KindConflict, msg, err)
	case strings.Contains(low, "syntax error") || strings.Contains(low, "incomplete input"):
		return dberr.Wrap(dberr.KindProgramming, msg, err)
	default:
		return dberr.Wrap(dberr.KindOperational, msg, err)
	}
}
