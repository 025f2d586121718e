package mssql

import (
	"context"
	"errors"
	"fmt"
	"testing"

	mssqldb "github.com/microsoft/go-mssqldb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/quarry/internal/dberr"
)

func TestMapErrorByNumber(t *testing.T) {
	tests := []struct {
		name   string
		number int32
		want   dberr.Kind
	}{
		{"login failed", 18456, dberr.KindAuth},
		{"service busy", 40501, dberr.KindTransient},
		{"database moved", 40613, dberr.KindTransient},
		{"service error", 40197, dberr.KindTransient},
		{"governance low", 49918, dberr.KindTransient},
		{"governance high", 49920, dberr.KindTransient},
		{"unknown number", 547, dberr.KindOperational},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(mssqldb.Error{Number: tt.number, Message: "server says no"}, "op failed")
			assert.Equal(t, tt.want, dberr.KindOf(err))
		})
	}
}

func TestMapErrorByMessage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want dberr.Kind
	}{
		{"sqlstate 28000", "mssql: login error: SQLSTATE 28000", dberr.KindAuth},
		{"login failed text", "Login failed for user 'sa'", dberr.KindAuth},
		{"federated provider failure", "authentication failed: FA004 user cancelled", dberr.KindAuth},
		{"permission denied", "The SELECT permission was denied on the object", dberr.KindPermission},
		{"missing database", "Cannot open database \"quarry\" requested by the login", dberr.KindNotFound},
		{"missing object", "object 'qpd-ghost' does not exist", dberr.KindNotFound},
		{"busy", "The service is busy processing multiple requests", dberr.KindTransient},
		{"timeout text", "connection timed out waiting for reply", dberr.KindTimeout},
		{"anything else", "tcp broke in a novel way", dberr.KindOperational},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError(errors.New(tt.text), "op failed")
			assert.Equal(t, tt.want, dberr.KindOf(err))
		})
	}
}

func TestMapErrorContextDeadline(t *testing.T) {
	err := mapError(fmt.Errorf("query: %w", context.DeadlineExceeded), "op failed")
	assert.True(t, dberr.IsTimeout(err))

	err = mapError(context.Canceled, "op failed")
	assert.True(t, dberr.IsTimeout(err))
}

func TestMapErrorPassThrough(t *testing.T) {
	pre := dberr.New(dberr.KindConflict, "already classified")
	got := mapError(pre, "ignored")
	require.Same(t, pre, got.(*dberr.Error))

	assert.Nil(t, mapError(nil, "no error"))
}

func TestMapErrorPreservesCause(t *testing.T) {
	raw := mssqldb.Error{Number: 18456, Message: "Login failed"}
	err := mapError(raw, "connect failed")

	var se mssqldb.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, int32(18456), se.Number)
}
