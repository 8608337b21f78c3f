package sqlitemigrate

import (
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", t.TempDir()+"/migrate.db")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := sqlDB.Close(); closeErr != nil {
			t.Fatalf("close sqlite db: %v", closeErr)
		}
	})
	return sqlDB
}

func TestApplyMigrationsRunsOncePerFile(t *testing.T) {
	sqlDB := openTestDB(t)
	migrationFS := fstest.MapFS{
		"0001_create.sql": {Data: []byte(`
-- +migrate Up
CREATE TABLE items (id TEXT PRIMARY KEY);
-- +migrate Down
DROP TABLE items;
`)},
		"0002_seed.sql": {Data: []byte(`
-- +migrate Up
INSERT INTO items (id) VALUES ('a');
-- +migrate Down
DELETE FROM items;
`)},
	}

	if err := ApplyMigrations(sqlDB, migrationFS, ""); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	// Re-applying must be a no-op; the seed insert would otherwise conflict.
	if err := ApplyMigrations(sqlDB, migrationFS, ""); err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}

	var count int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM items").Scan(&count); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if count != 1 {
		t.Fatalf("items count = %d, want 1", count)
	}

	var applied int
	if err := sqlDB.QueryRow("SELECT COUNT(1) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("count applied migrations: %v", err)
	}
	if applied != 2 {
		t.Fatalf("applied migrations = %d, want 2", applied)
	}
}

func TestExtractUpMigration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "no markers applies whole file",
			content: "CREATE TABLE a (id TEXT);",
			want:    "CREATE TABLE a (id TEXT);",
		},
		{
			name:    "up and down sections",
			content: "-- +migrate Up\nCREATE TABLE a (id TEXT);\n-- +migrate Down\nDROP TABLE a;",
			want:    "\nCREATE TABLE a (id TEXT);\n",
		},
		{
			name:    "up only",
			content: "-- +migrate Up\nCREATE TABLE a (id TEXT);",
			want:    "\nCREATE TABLE a (id TEXT);",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractUpMigration(tc.content); got != tc.want {
				t.Fatalf("extract up migration = %q, want %q", got, tc.want)
			}
		})
	}
}
