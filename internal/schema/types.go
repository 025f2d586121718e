// Package schema validates a remote database's actual shape against the
// expected shape declared in the application's schema script, and can deploy
// that script through the gateway when the remote database is empty.
package schema

// TablePrefix marks application-owned tables. Objects without the prefix
// belong to other tenants of the database and are ignored entirely.
const TablePrefix = "qpd-"

// TableSchema is the expected shape of one table, parsed once from the
// declarative schema script and immutable afterwards.
type TableSchema struct {
	Name        string
	Columns     map[string]string // column name -> normalized type string
	PrimaryKey  string            // empty when the table declares none
	ForeignKeys []ForeignKey
}

// ForeignKey is one referential edge of a table.
type ForeignKey struct {
	Column    string
	RefTable  string
	RefColumn string
}

// ValidationResult is produced fresh on every validation call and never
// mutated after return.
//
// Callers branch in priority order: ErrorMessage (validation itself
// failed), HasNoTables (offer to deploy), deviations/missing/extra (offer
// to reconcile or proceed), IsValid.
type ValidationResult struct {
	IsValid         bool
	MissingTables   []string
	ExtraTables     []string
	TableDeviations map[string][]string // table name -> issue descriptions
	HasNoTables     bool
	ErrorMessage    string
}

// liveTable is the reflected shape of one remote table.
type liveTable struct {
	columns     map[string]string
	primaryKey  string
	foreignKeys []ForeignKey
}
