package project

import (
	"context"
	"fmt"

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
)

// Reserved settings keys seeded at project creation.
const (
	SettingProjectID     = "project_id"
	SettingProjectName   = "project_name"
	SettingStorageMode   = "storage_mode"
	SettingSchemaVersion = "schema_version"
	SettingCreatedAt     = "created_at"
)

// Settings reads and writes the key/value table in the local project file.
// Settings always live in the embedded database, including for remote
// projects; the remote server only ever holds project data.
type Settings struct {
	gw gateway.Gateway
}

// NewSettings wraps gw for settings access.
func NewSettings(gw gateway.Gateway) *Settings {
	return &Settings{gw: gw}
}

// Get returns the value for key and whether it exists.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	row, err := s.gw.QueryOne(ctx, "SELECT [value] FROM [settings] WHERE [key] = ?", key)
	if err != nil {
		return "", false, err
	}
	if row == nil {
		return "", false, nil
	}
	val, ok := row[0].(string)
	if !ok && row[0] != nil {
		val = fmt.Sprintf("%v", row[0])
		ok = true
	}
	return val, ok, nil
}

// Set upserts key.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	_, err := s.gw.Exec(ctx,
		"INSERT INTO [settings] ([key], [value]) VALUES (?, ?) ON CONFLICT([key]) DO UPDATE SET [value] = excluded.[value]",
		key, value)
	return err
}

// MustGet returns the value for key or a NotFound error naming it.
func (s *Settings) MustGet(ctx context.Context, key string) (string, error) {
	val, ok, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", dberr.Newf(dberr.KindNotFound, "project setting %q is missing", key)
	}
	return val, nil
}
