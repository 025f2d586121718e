package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScript = `
-- Managed schema sample.
/* block comments are
   stripped too */
CREATE TABLE [dbo].[qpd-parents] (
    [id] INT NOT NULL,
    [title] NVARCHAR(255) NOT NULL,
    [ratio] DECIMAL(10,2) NULL,
    CONSTRAINT [PK_qpd-parents] PRIMARY KEY CLUSTERED ([id])
);
GO

CREATE TABLE [dbo].[qpd-children] (
    [id] INT NOT NULL PRIMARY KEY,
    [parent_id] INT NOT NULL,
    [note] NVARCHAR(MAX) NULL,
    [seen_at] DATETIME2(3) NOT NULL,
    CONSTRAINT [FK_qpd-children_parent] FOREIGN KEY ([parent_id]) REFERENCES [dbo].[qpd-parents] ([id])
);
GO

CREATE TABLE [dbo].[unrelated] (
    [id] INT NOT NULL
);
GO
`

func TestParseExpected(t *testing.T) {
	tables := ParseExpected(sampleScript)
	require.Len(t, tables, 2, "only prefixed tables are in scope")

	parents, ok := tables["qpd-parents"]
	require.True(t, ok)
	assert.Equal(t, "id", parents.PrimaryKey)
	assert.Equal(t, "INT", parents.Columns["id"])
	assert.Equal(t, "NVARCHAR(255)", parents.Columns["title"])
	assert.Equal(t, "DECIMAL(10,2)", parents.Columns["ratio"])
	assert.Empty(t, parents.ForeignKeys)

	children, ok := tables["qpd-children"]
	require.True(t, ok)
	assert.Equal(t, "id", children.PrimaryKey, "inline primary key recognised")
	assert.Equal(t, "NVARCHAR(MAX)", children.Columns["note"])
	assert.Equal(t, "DATETIME2(3)", children.Columns["seen_at"])
	require.Len(t, children.ForeignKeys, 1)
	assert.Equal(t, ForeignKey{
		Column:    "parent_id",
		RefTable:  "qpd-parents",
		RefColumn: "id",
	}, children.ForeignKeys[0])
}

func TestParseExpectedEmptyScript(t *testing.T) {
	assert.Empty(t, ParseExpected("-- nothing but comments"))
	assert.Empty(t, ParseExpected(""))
}

func TestSplitBatches(t *testing.T) {
	script := `
CREATE TABLE [dbo].[qpd-a] ([id] INT);
GO
-- comment-only batch disappears
go
CREATE TABLE [dbo].[qpd-b] ([id] INT);
GO
`
	batches := SplitBatches(script)
	require.Len(t, batches, 2)
	assert.Contains(t, batches[0], "qpd-a")
	assert.Contains(t, batches[1], "qpd-b")
}

func TestSplitStatements(t *testing.T) {
	script := `
-- leading comment
CREATE TABLE a ([id] INTEGER PRIMARY KEY);
INSERT INTO a VALUES ('semi;colon stays put');
/* trailing */
`
	stmts := SplitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "semi;colon stays put")
}

func TestLoadExpectedShippedScript(t *testing.T) {
	tables, err := LoadExpected("../../schema/azure.sql")
	require.NoError(t, err)

	require.Contains(t, tables, "qpd-datasets")
	require.Contains(t, tables, "qpd-records")
	require.Contains(t, tables, "qpd-attachments")

	records := tables["qpd-records"]
	assert.Equal(t, "id", records.PrimaryKey)
	assert.Equal(t, "DECIMAL(18,4)", records.Columns["quantity"])
	require.Len(t, records.ForeignKeys, 1)
	assert.Equal(t, "qpd-datasets", records.ForeignKeys[0].RefTable)
}

func TestLoadExpectedMissingFile(t *testing.T) {
	_, err := LoadExpected("does/not/exist.sql")
	assert.Error(t, err)
}
