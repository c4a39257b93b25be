package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSplitSQL(t *testing.T) {
	sql := `-- comment
CREATE TABLE IF NOT EXISTS a (id int);

CREATE TABLE IF NOT EXISTS b (id int);
-- trailing`
	got := splitSQL(sql)
	if len(got) != 2 || got[0] != "CREATE TABLE IF NOT EXISTS a (id int)" {
		t.Fatalf("splitSQL = %q", got)
	}
}

func TestExtractTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.sql")
	body := "create table if not exists rides (id text);\nCREATE TABLE IF NOT EXISTS wallets (id text);\nCREATE INDEX IF NOT EXISTS x ON rides (id);"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := extractTables(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "rides" || got[1] != "wallets" {
		t.Fatalf("tables = %v", got)
	}
}
