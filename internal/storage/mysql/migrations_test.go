package mysql

import "testing"

func TestLoadMigrationFiles(t *testing.T) {
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("loadMigrationFiles: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	for i := 1; i < len(files); i++ {
		if files[i-1].version > files[i].version {
			t.Fatalf("migrations out of order: %s before %s", files[i-1].name, files[i].name)
		}
	}
	for _, file := range files {
		if len(file.statements) == 0 {
			t.Fatalf("migration %s has no statements", file.name)
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")
	if len(statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(statements))
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_auth_tables.sql": "0001",
		"0002.sql":                    "0002",
		"plain":                       "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%s) = %s, want %s", name, got, want)
		}
	}
}
