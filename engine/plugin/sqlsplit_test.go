package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatements_Basic(t *testing.T) {
	stmts := SplitStatements("SELECT 1; SELECT 2;")
	assert.Equal(t, []string{"SELECT 1", "SELECT 2"}, stmts)
}

func TestSplitStatements_QuotedSemicolons(t *testing.T) {
	stmts := SplitStatements(`INSERT INTO t VALUES ('a;b'); SELECT "col;umn" FROM t;`)
	assert.Equal(t, []string{
		`INSERT INTO t VALUES ('a;b')`,
		`SELECT "col;umn" FROM t`,
	}, stmts)
}

func TestSplitStatements_EscapedQuote(t *testing.T) {
	stmts := SplitStatements(`SELECT 'it''s; fine'; SELECT 2;`)
	assert.Equal(t, []string{
		`SELECT 'it''s; fine'`,
		"SELECT 2",
	}, stmts)
}

func TestSplitStatements_Comments(t *testing.T) {
	script := `
-- leading comment; with semicolon
SELECT 1; /* block; comment */ SELECT 2;
`
	stmts := SplitStatements(script)
	assert.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "SELECT 1")
	assert.Contains(t, stmts[1], "SELECT 2")
}

func TestSplitStatements_DollarQuoting(t *testing.T) {
	script := `
CREATE FUNCTION f() RETURNS void AS $body$
BEGIN
  INSERT INTO t VALUES (1); INSERT INTO t VALUES (2);
END;
$body$ LANGUAGE plpgsql;
SELECT 1;
`
	stmts := SplitStatements(script)
	assert.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "INSERT INTO t VALUES (2);")
	assert.Equal(t, "SELECT 1", stmts[1])
}

func TestSplitStatements_NoTrailingSemicolon(t *testing.T) {
	stmts := SplitStatements("SELECT 1")
	assert.Equal(t, []string{"SELECT 1"}, stmts)
}

func TestSplitStatements_Empty(t *testing.T) {
	assert.Empty(t, SplitStatements("  \n ; ; "))
}
