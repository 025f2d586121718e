package schema

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/quarryhq/quarry/internal/gateway"
)

// Validator compares the remote database's reflected shape against the
// expected schema and can deploy the schema script when the remote side is
// empty.
type Validator struct {
	gw         gateway.Gateway
	scriptPath string
	expected   map[string]TableSchema
}

// NewValidator parses the schema script at scriptPath and returns a
// validator bound to gw.
func NewValidator(gw gateway.Gateway, scriptPath string) (*Validator, error) {
	expected, err := LoadExpected(scriptPath)
	if err != nil {
		return nil, err
	}
	return &Validator{gw: gw, scriptPath: scriptPath, expected: expected}, nil
}

// Expected exposes the parsed expected schema, keyed by table name.
func (v *Validator) Expected() map[string]TableSchema {
	return v.expected
}

// Validate reflects the remote schema and diffs it against the expected
// one. A database error during reflection is reported via ErrorMessage and
// is never conflated with a real validation outcome.
func (v *Validator) Validate(ctx context.Context) ValidationResult {
	live, err := v.reflectLive(ctx)
	if err != nil {
		return ValidationResult{ErrorMessage: err.Error()}
	}

	// Zero in-scope tables is its own outcome: the remediation is a
	// deploy, not a table-by-table reconcile.
	if len(live) == 0 {
		return ValidationResult{
			MissingTables: sortedKeys(v.expected),
			HasNoTables:   true,
		}
	}

	result := ValidationResult{TableDeviations: make(map[string][]string)}
	for name := range v.expected {
		if _, ok := live[name]; !ok {
			result.MissingTables = append(result.MissingTables, name)
		}
	}
	for name := range live {
		if _, ok := v.expected[name]; !ok {
			result.ExtraTables = append(result.ExtraTables, name)
		}
	}
	sort.Strings(result.MissingTables)
	sort.Strings(result.ExtraTables)

	for name, expected := range v.expected {
		actual, ok := live[name]
		if !ok {
			continue
		}
		if deviations := compareTable(expected, actual); len(deviations) > 0 {
			result.TableDeviations[name] = deviations
		}
	}

	result.IsValid = len(result.MissingTables) == 0 &&
		len(result.ExtraTables) == 0 &&
		len(result.TableDeviations) == 0
	return result
}

// reflectLive reads the remote catalog inside a single transaction so every
// query reuses one connection.
func (v *Validator) reflectLive(ctx context.Context) (map[string]liveTable, error) {
	tables := make(map[string]liveTable)

	err := v.gw.Transact(ctx, func(ctx context.Context) error {
		const tableQuery = `
			SELECT TABLE_NAME
			FROM INFORMATION_SCHEMA.TABLES
			WHERE TABLE_SCHEMA = 'dbo'
			  AND TABLE_TYPE = 'BASE TABLE'
			  AND TABLE_NAME LIKE '` + TablePrefix + `%'
			  AND TABLE_NAME NOT IN ('sysdiagrams', 'dtproperties')`

		rows, err := v.gw.QueryAll(ctx, tableQuery)
		if err != nil {
			return err
		}
		for _, row := range rows {
			name := asString(row[0])
			lt, err := v.reflectTable(ctx, name)
			if err != nil {
				return err
			}
			tables[name] = lt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tables, nil
}

// reflectTable reads columns, primary key and foreign keys for one table,
// reconstructing column types into the same normalized form the expected
// schema uses.
func (v *Validator) reflectTable(ctx context.Context, table string) (liveTable, error) {
	lt := liveTable{columns: make(map[string]string)}

	const columnQuery = `
		SELECT COLUMN_NAME, DATA_TYPE, CHARACTER_MAXIMUM_LENGTH, NUMERIC_PRECISION, NUMERIC_SCALE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = 'dbo' AND TABLE_NAME = @p1
		ORDER BY ORDINAL_POSITION`

	rows, err := v.gw.QueryAll(ctx, columnQuery, table)
	if err != nil {
		return lt, err
	}
	for _, row := range rows {
		name := asString(row[0])
		lt.columns[name] = normalizeType(asString(row[1]), asInt(row[2]), asInt(row[3]), asInt(row[4]))
	}

	const pkQuery = `
		SELECT COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = 'dbo' AND TABLE_NAME = @p1
		  AND CONSTRAINT_NAME LIKE 'PK_%'`

	pkRows, err := v.gw.QueryAll(ctx, pkQuery, table)
	if err != nil {
		return lt, err
	}
	if len(pkRows) > 0 {
		lt.primaryKey = asString(pkRows[0][0])
	}

	const fkQuery = `
		SELECT kcu.COLUMN_NAME, kcu2.TABLE_NAME, kcu2.COLUMN_NAME
		FROM INFORMATION_SCHEMA.REFERENTIAL_CONSTRAINTS rc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		  ON rc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu2
		  ON rc.UNIQUE_CONSTRAINT_NAME = kcu2.CONSTRAINT_NAME
		WHERE kcu.TABLE_SCHEMA = 'dbo' AND kcu.TABLE_NAME = @p1`

	fkRows, err := v.gw.QueryAll(ctx, fkQuery, table)
	if err != nil {
		return lt, err
	}
	for _, row := range fkRows {
		lt.foreignKeys = append(lt.foreignKeys, ForeignKey{
			Column:    asString(row[0]),
			RefTable:  asString(row[1]),
			RefColumn: asString(row[2]),
		})
	}
	return lt, nil
}

// compareTable diffs one expected table against its reflected counterpart.
func compareTable(expected TableSchema, actual liveTable) []string {
	var deviations []string

	var missing, extra []string
	for col := range expected.Columns {
		if _, ok := actual.columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	for col := range actual.columns {
		if _, ok := expected.Columns[col]; !ok {
			extra = append(extra, col)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	if len(missing) > 0 {
		deviations = append(deviations, "missing columns: "+strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		deviations = append(deviations, "extra columns: "+strings.Join(extra, ", "))
	}

	cols := make([]string, 0, len(expected.Columns))
	for col := range expected.Columns {
		if _, ok := actual.columns[col]; ok {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	for _, col := range cols {
		want := strings.ToUpper(expected.Columns[col])
		got := strings.ToUpper(actual.columns[col])
		if !typesCompatible(want, got) {
			deviations = append(deviations, fmt.Sprintf("column %q: expected %s, found %s", col, want, got))
		}
	}

	if expected.PrimaryKey != actual.primaryKey {
		deviations = append(deviations, fmt.Sprintf("primary key mismatch: expected %q, found %q", expected.PrimaryKey, actual.primaryKey))
	}
	return deviations
}

// typesCompatible decides whether two normalized type strings are
// functionally equivalent rather than merely equal: a length-qualified type
// and its MAX variant store the same values, as do the two spellings of
// millisecond-precision datetimes.
func typesCompatible(expected, actual string) bool {
	if expected == actual {
		return true
	}
	pairs := [][2]string{
		{"NVARCHAR", "NVARCHAR(MAX)"},
		{"VARCHAR", "VARCHAR(MAX)"},
		{"DATETIME2", "DATETIME2(3)"},
	}
	for _, p := range pairs {
		if (expected == p[0] && actual == p[1]) || (expected == p[1] && actual == p[0]) {
			return true
		}
	}
	return false
}

// normalizeType rebuilds a catalog row into the script's type-string form,
// e.g. VARCHAR(80), NVARCHAR(MAX), DECIMAL(10,2).
func normalizeType(dataType string, maxLength, precision, scale int) string {
	t := strings.ToUpper(dataType)
	switch t {
	case "NVARCHAR", "VARCHAR", "CHAR", "NCHAR":
		if maxLength > 0 {
			return fmt.Sprintf("%s(%d)", t, maxLength)
		}
		return t + "(MAX)"
	case "DECIMAL", "NUMERIC":
		if precision > 0 && scale > 0 {
			return fmt.Sprintf("%s(%d,%d)", t, precision, scale)
		}
		return t
	default:
		return t
	}
}

// Deploy reads the schema script in full, splits it on the GO batch
// separator and executes each statement sequentially through the gateway.
//
// Deployment is at-least-once, not atomic: a failure mid-deployment leaves
// earlier statements applied. Callers re-validate after a failed deploy.
func (v *Validator) Deploy(ctx context.Context) error {
	content, err := os.ReadFile(v.scriptPath)
	if err != nil {
		return err
	}
	for _, stmt := range SplitBatches(string(content)) {
		if _, err := v.gw.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- helpers ---

func sortedKeys(m map[string]TableSchema) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case nil:
		return 0
	default:
		return 0
	}
}
