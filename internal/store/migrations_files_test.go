package store

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
)

var (
	createTable = regexp.MustCompile(`(?i)CREATE TABLE (?:IF NOT EXISTS )?(\w+)`)
	dropTable   = regexp.MustCompile(`(?i)DROP TABLE (?:IF EXISTS )?(\w+)`)
)

func TestMigrationsPairAndUndoEveryTable(t *testing.T) {
	dir := filepath.Join("..", "..", "db", "migrations")
	ups, err := listMigrations(dir, "up")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := listMigrations(dir, "down")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}

	downByVersion := map[string]migrationFile{}
	for _, down := range downs {
		if _, dup := downByVersion[down.version]; dup {
			t.Fatalf("duplicate down migration for version %s", down.version)
		}
		downByVersion[down.version] = down
	}

	seen := map[string]bool{}
	for _, up := range ups {
		if seen[up.version] {
			t.Fatalf("duplicate up migration for version %s", up.version)
		}
		seen[up.version] = true

		down, ok := downByVersion[up.version]
		if !ok {
			t.Fatalf("version %s has no down migration", up.version)
		}
		dropped := map[string]bool{}
		for _, match := range dropTable.FindAllStringSubmatch(readFile(t, down.path), -1) {
			dropped[match[1]] = true
		}
		for _, match := range createTable.FindAllStringSubmatch(readFile(t, up.path), -1) {
			if !dropped[match[1]] {
				t.Errorf("%s creates %s but %s does not drop it", up.name, match[1], down.name)
			}
		}
	}
	for version := range downByVersion {
		if !seen[version] {
			t.Errorf("down migration %s has no up migration", version)
		}
	}
}

func TestCoreTablesAreMigrated(t *testing.T) {
	ups, err := listMigrations(filepath.Join("..", "..", "db", "migrations"), "up")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	created := map[string]bool{}
	for _, up := range ups {
		for _, match := range createTable.FindAllStringSubmatch(readFile(t, up.path), -1) {
			created[match[1]] = true
		}
	}
	for _, table := range []string{"actors", "repositories", "access_grants", "maintainers", "branch_rules", "reviews", "review_events", "stream_links"} {
		if !created[table] {
			t.Errorf("table %s is never created", table)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(body)
}
