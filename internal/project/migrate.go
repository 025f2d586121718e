package project

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/quarryhq/quarry/internal/dberr"
	"github.com/quarryhq/quarry/internal/gateway"
	"github.com/quarryhq/quarry/internal/logger"
)

// TargetSchemaVersion is the schema version this build reads and writes.
const TargetSchemaVersion = "1.0.0"

// BlockedError reports a project whose schema is newer than this build
// understands. Opening must stop: writing with older code could corrupt
// data the newer schema depends on.
type BlockedError struct {
	Found     string
	Supported string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("project schema version %s is newer than the supported %s; update the application to open this project", e.Found, e.Supported)
}

// step upgrades a project from exactly one version to the next.
type step struct {
	from, to string
	apply    func(ctx context.Context, gw gateway.Gateway) error
}

// steps is the ordered upgrade chain. Empty while only one schema version
// exists; each future version appends its step here.
var steps []step

// Migrator brings an opened project's schema up to TargetSchemaVersion.
type Migrator struct {
	gw  gateway.Gateway
	set *Settings
	log *logger.Logger
}

// NewMigrator builds a migrator over an initialized gateway.
func NewMigrator(gw gateway.Gateway, log *logger.Logger) *Migrator {
	if log == nil {
		log = logger.Global()
	}
	return &Migrator{gw: gw, set: NewSettings(gw), log: log}
}

// Run checks the stored schema version and applies any pending steps. It
// returns a *BlockedError when the stored version is newer than this build
// supports; callers must treat that as fatal for the open.
func (m *Migrator) Run(ctx context.Context) error {
	current, err := m.set.MustGet(ctx, SettingSchemaVersion)
	if err != nil {
		return err
	}

	switch compareVersions(current, TargetSchemaVersion) {
	case 0:
		return nil
	case 1:
		return &BlockedError{Found: current, Supported: TargetSchemaVersion}
	}

	for _, st := range steps {
		if compareVersions(st.from, current) != 0 {
			continue
		}
		m.log.InfoWith("migrating project schema", map[string]any{
			"from": st.from,
			"to":   st.to,
		})
		// Each step runs in its own transaction so a failure leaves the
		// project at a coherent intermediate version.
		err := m.gw.Transact(ctx, func(ctx context.Context) error {
			if err := st.apply(ctx, m.gw); err != nil {
				return err
			}
			return m.set.Set(ctx, SettingSchemaVersion, st.to)
		})
		if err != nil {
			return dberr.Wrap(dberr.KindOf(err), fmt.Sprintf("migrating schema %s to %s", st.from, st.to), err)
		}
		current = st.to
	}

	if compareVersions(current, TargetSchemaVersion) != 0 {
		return dberr.Newf(dberr.KindProgramming, "no migration path from schema %s to %s", current, TargetSchemaVersion)
	}
	return nil
}

// compareVersions orders dotted numeric versions: -1, 0 or 1. Non-numeric
// components compare as zero, which biases unknown formats toward "older"
// rather than blocking the open.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
