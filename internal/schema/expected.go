package schema

import (
	"os"
	"regexp"
	"strings"

	"github.com/quarryhq/quarry/internal/dberr"
)

var (
	lineCommentRe  = regexp.MustCompile(`(?m)--.*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	createTableRe  = regexp.MustCompile(`(?is)CREATE TABLE \[dbo\]\.\[(` + TablePrefix + `[\w-]+)\]\s*\((.*?)\)\s*;`)
	columnRe       = regexp.MustCompile(`^\[([\w-]+)\]\s+([A-Za-z0-9]+(?:\((?:MAX|\d+(?:,\s*\d+)?)\))?)`)
	pkConstraintRe = regexp.MustCompile(`(?i)CONSTRAINT \[PK_[\w-]+\] PRIMARY KEY\s*(?:CLUSTERED\s*)?\(?\s*\[([\w-]+)\]`)
	fkRe           = regexp.MustCompile(`(?i)FOREIGN KEY\s*\(\[([\w-]+)\]\)\s*REFERENCES \[dbo\]\.\[([\w-]+)\]\s*\(\[([\w-]+)\]\)`)
)

// LoadExpected reads the declarative schema script and parses its table
// definitions. The script is read-only input located relative to the
// application's installation root.
func LoadExpected(path string) (map[string]TableSchema, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindNotFound, "schema script not found", err)
	}
	return ParseExpected(string(content)), nil
}

// ParseExpected extracts TableSchema records from the script's CREATE TABLE
// statements. Only tables carrying TablePrefix are in scope.
func ParseExpected(script string) map[string]TableSchema {
	script = lineCommentRe.ReplaceAllString(script, "")
	script = blockCommentRe.ReplaceAllString(script, "")

	out := make(map[string]TableSchema)
	for _, m := range createTableRe.FindAllStringSubmatch(script, -1) {
		name, body := m[1], m[2]
		out[name] = parseTableBody(name, body)
	}
	return out
}

// parseTableBody parses the parenthesised column list of one CREATE TABLE.
func parseTableBody(name, body string) TableSchema {
	ts := TableSchema{Name: name, Columns: make(map[string]string)}

	for _, line := range splitTopLevel(body) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(line, "["):
			cm := columnRe.FindStringSubmatch(line)
			if cm == nil {
				continue
			}
			ts.Columns[cm[1]] = strings.ToUpper(cm[2])
			if strings.Contains(upper, "PRIMARY KEY") {
				ts.PrimaryKey = cm[1]
			}
		case strings.Contains(upper, "FOREIGN KEY"):
			if fm := fkRe.FindStringSubmatch(line); fm != nil {
				ts.ForeignKeys = append(ts.ForeignKeys, ForeignKey{
					Column:    fm[1],
					RefTable:  fm[2],
					RefColumn: fm[3],
				})
			}
		case strings.Contains(upper, "PRIMARY KEY"):
			if pm := pkConstraintRe.FindStringSubmatch(line); pm != nil {
				ts.PrimaryKey = pm[1]
			}
		}
	}
	return ts
}

// splitTopLevel splits a table body on commas outside parentheses, so
// DECIMAL(10,2) column types survive intact.
func splitTopLevel(body string) []string {
	var parts []string
	var current strings.Builder
	depth := 0
	for _, ch := range body {
		switch ch {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, current.String())
				current.Reset()
				continue
			}
		}
		current.WriteRune(ch)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		parts = append(parts, s)
	}
	return parts
}

// SplitBatches splits a script on the GO batch-separator convention into
// individually executable statements, dropping comment-only remainders.
func SplitBatches(script string) []string {
	script = lineCommentRe.ReplaceAllString(script, "")

	var batches []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			batches = append(batches, s)
		}
		current.Reset()
	}

	for _, line := range strings.Split(script, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "GO") {
			flush()
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	flush()
	return batches
}

// SplitStatements splits a semicolon-terminated DDL script into individual
// statements for drivers that execute one statement per call. It respects
// single-quoted strings; nothing fancier is needed for the bundled scripts.
func SplitStatements(script string) []string {
	script = lineCommentRe.ReplaceAllString(script, "")
	script = blockCommentRe.ReplaceAllString(script, "")

	var stmts []string
	var current strings.Builder
	inString := false
	for _, ch := range script {
		switch {
		case ch == '\'':
			inString = !inString
			current.WriteRune(ch)
		case ch == ';' && !inString:
			if s := strings.TrimSpace(current.String()); s != "" {
				stmts = append(stmts, s)
			}
			current.Reset()
		default:
			current.WriteRune(ch)
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
